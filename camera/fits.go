package camera

import (
	"io"

	"github.com/astrogo/fitsio"

	"github.com/lbto/archonbridge/archon"
)

// HeaderCards produces the FITS cards describing how a frame was taken.
func HeaderCards(f *archon.Frame) []fitsio.Card {
	cards := []fitsio.Card{
		{Name: "EXPTIME", Value: f.Params.IntegrationTime.Seconds(), Comment: "integration time, seconds"},
		{Name: "HBIN", Value: f.Params.Bin.H, Comment: "horizontal binning"},
		{Name: "VBIN", Value: f.Params.Bin.V, Comment: "vertical binning"},
	}
	if f.Params.GainMode != "" {
		cards = append(cards, fitsio.Card{Name: "GAINMODE", Value: f.Params.GainMode, Comment: "readout tap/speed selection"})
	}
	if f.Params.Tag != "" {
		cards = append(cards, fitsio.Card{Name: "OBJECT", Value: f.Params.Tag, Comment: "operator tag"})
	}
	if f.Checksum != 0 {
		cards = append(cards, fitsio.Card{Name: "NCFCRC", Value: int(f.Checksum), Comment: "timing script CRC-16"})
	}
	return cards
}

// WriteFITS streams a frame to w as a 16-bit FITS image with the frame's
// metadata in the header.
func WriteFITS(w io.Writer, f *archon.Frame) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{f.Width, f.Height})
	defer im.Close()
	cards := append([]fitsio.Card{
		{Name: "BZERO", Value: 32768},
		{Name: "BSCALE", Value: 1.0},
	}, HeaderCards(f)...)
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	// fits wants int16; underflow on uint16 wraps the way the standard expects
	buf := make([]int16, len(f.Pix))
	for i := 0; i < len(f.Pix); i++ {
		buf[i] = int16(f.Pix[i] - 32768)
	}
	if err := im.Write(buf); err != nil {
		return err
	}
	return fits.Write(im)
}
