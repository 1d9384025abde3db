package notifications

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/godbus/dbus/v5"
)

// imageData is the (iiibiiay) payload of the image-data hint.
type imageData struct {
	Width         int32
	Height        int32
	RowStride     int32
	HasAlpha      bool
	BitsPerSample int32
	Channels      int32
	Data          []byte
}

func decodeImageData(v dbus.Variant) (*image.NRGBA, error) {
	var d imageData
	if err := v.Store(&d); err != nil {
		return nil, fmt.Errorf("decode image-data: %w", err)
	}
	if d.BitsPerSample != 8 {
		return nil, fmt.Errorf("image-data: unsupported %d bits per sample", d.BitsPerSample)
	}
	if d.Channels != 3 && d.Channels != 4 {
		return nil, fmt.Errorf("image-data: unsupported %d channels", d.Channels)
	}
	if d.Width <= 0 || d.Height <= 0 || d.RowStride < d.Width*d.Channels {
		return nil, fmt.Errorf("image-data: bad geometry %dx%d stride %d", d.Width, d.Height, d.RowStride)
	}
	// The last row may be unpadded.
	need := int(d.RowStride)*int(d.Height-1) + int(d.Width*d.Channels)
	if len(d.Data) < need {
		return nil, fmt.Errorf("image-data: %d bytes, need %d", len(d.Data), need)
	}

	img := image.NewNRGBA(image.Rect(0, 0, int(d.Width), int(d.Height)))
	for y := 0; y < int(d.Height); y++ {
		row := d.Data[y*int(d.RowStride):]
		for x := 0; x < int(d.Width); x++ {
			src := row[x*int(d.Channels):]
			dst := img.Pix[y*img.Stride+x*4:]
			dst[0], dst[1], dst[2] = src[0], src[1], src[2]
			if d.Channels == 4 {
				dst[3] = src[3]
			} else {
				dst[3] = 0xff
			}
		}
	}
	return img, nil
}

func savePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
