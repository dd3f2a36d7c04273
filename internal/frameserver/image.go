package frameserver

// Image is a raw pixel buffer. BytesPerPixel is fixed at construction so
// Resize and FlipHorizontal can address rows without a format tag.
type Image struct {
	Width         int
	Height        int
	BytesPerPixel int
	Pix           []byte
}

// NewImage allocates a zeroed image of the given dimensions.
func NewImage(width, height, bytesPerPixel int) *Image {
	return &Image{
		Width:         width,
		Height:        height,
		BytesPerPixel: bytesPerPixel,
		Pix:           make([]byte, width*height*bytesPerPixel),
	}
}

func (img *Image) stride() int {
	return img.Width * img.BytesPerPixel
}

// Clone deep-copies the pixel buffer.
func (img *Image) Clone() *Image {
	if img == nil {
		return nil
	}
	out := &Image{Width: img.Width, Height: img.Height, BytesPerPixel: img.BytesPerPixel}
	out.Pix = make([]byte, len(img.Pix))
	copy(out.Pix, img.Pix)
	return out
}

// Release drops the pixel buffer, letting the backing array be
// collected without needing every holder of the WorkingFrame to go away
// first.
func (img *Image) Release() {
	if img == nil {
		return
	}
	img.Pix = nil
}

// FlipHorizontal returns a new image mirrored left-to-right, used for
// the preview image in mirror mode.
func (img *Image) FlipHorizontal() *Image {
	out := &Image{Width: img.Width, Height: img.Height, BytesPerPixel: img.BytesPerPixel}
	out.Pix = make([]byte, len(img.Pix))
	stride := img.stride()
	bpp := img.BytesPerPixel
	for y := 0; y < img.Height; y++ {
		rowStart := y * stride
		for x := 0; x < img.Width; x++ {
			src := rowStart + x*bpp
			dst := rowStart + (img.Width-1-x)*bpp
			copy(out.Pix[dst:dst+bpp], img.Pix[src:src+bpp])
		}
	}
	return out
}

// Resize nearest-neighbor samples img down (or up) to a new size whose
// dimensions are scale*Width x scale*Height, rounded down to at least
// one pixel per side. It stands in for the real detection-image resampler,
// which is an external collaborator's concern; this only needs to
// produce a buffer of the right shape for the detection pipeline to
// write annotations against.
func (img *Image) Resize(scale float64) *Image {
	newW := int(float64(img.Width) * scale)
	newH := int(float64(img.Height) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}
	out := NewImage(newW, newH, img.BytesPerPixel)
	bpp := img.BytesPerPixel
	srcStride := img.stride()
	dstStride := out.stride()
	for y := 0; y < newH; y++ {
		srcY := y * img.Height / newH
		for x := 0; x < newW; x++ {
			srcX := x * img.Width / newW
			src := srcY*srcStride + srcX*bpp
			dst := y*dstStride + x*bpp
			copy(out.Pix[dst:dst+bpp], img.Pix[src:src+bpp])
		}
	}
	return out
}
