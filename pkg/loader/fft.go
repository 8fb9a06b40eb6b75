package loader

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// fft2D transforms a row-major width×height image in place, rows first and
// then columns. Both directions are unnormalized.
//
// Parameters:
//   - data: image samples, row-major
//   - width, height: image size; any positive length is supported
//   - inverse: compute the inverse transform instead of the forward one
func fft2D(data []complex128, width, height int, inverse bool) {
	row := fourier.NewCmplxFFT(width)
	buf := make([]complex128, width)
	for y := 0; y < height; y++ {
		line := data[y*width : (y+1)*width]
		transform(row, buf, line, inverse)
		copy(line, buf)
	}

	col := fourier.NewCmplxFFT(height)
	in := make([]complex128, height)
	out := make([]complex128, height)
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			in[y] = data[y*width+x]
		}
		transform(col, out, in, inverse)
		for y := 0; y < height; y++ {
			data[y*width+x] = out[y]
		}
	}
}

func transform(f *fourier.CmplxFFT, dst, src []complex128, inverse bool) {
	if inverse {
		f.Sequence(dst, src)
		return
	}
	f.Coefficients(dst, src)
}

// freqIndex returns the signed frequency of coefficient i of an n-point
// transform
func freqIndex(i, n int) int {
	if i > n/2 {
		return i - n
	}
	return i
}
