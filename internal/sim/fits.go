package sim

import (
	"errors"
	"io"

	"github.com/astrogo/fitsio"
)

// WriteFITS stores one slit profile per row as a 16-bit FITS image: the
// spectroheliogram a real host would reconstruct from the SER file.
func WriteFITS(w io.Writer, rows [][]uint16, pass int) error {
	if len(rows) == 0 {
		return errors.New("no rows to write")
	}
	width, height := len(rows[0]), len(rows)

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	im := fitsio.NewImage(16, []int{width, height})
	defer im.Close()
	err = im.Header().Append(
		fitsio.Card{Name: "BZERO", Value: 32768},
		fitsio.Card{Name: "BSCALE", Value: 1.0},
		fitsio.Card{Name: "PASS", Value: pass, Comment: "capture pass number"},
		fitsio.Card{Name: "INSTRUME", Value: "shgscan-sim"},
	)
	if err != nil {
		return err
	}

	ints := make([]int16, 0, width*height)
	for _, row := range rows {
		for x := 0; x < width; x++ {
			var v uint16
			if x < len(row) {
				v = row[x]
			}
			ints = append(ints, int16(int32(v)-32768))
		}
	}
	if err := im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}
