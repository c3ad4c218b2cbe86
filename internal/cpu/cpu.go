package cpu

import (
	"math"
	"runtime"
	"sync"
)

// Matrices are row-major float32 slices. Linear weights use the
// [inCols x outCols] layout, w[k*outCols+col].

const (
	geluC = 0.7978845608
	geluA = 0.044715
)

// minRowsPerWorker keeps tiny matrices on the calling goroutine.
const minRowsPerWorker = 4

func parallelRows(rows int, fn func(rowStart, rowEnd int)) {
	if rows <= 0 {
		return
	}
	parallelism := runtime.NumCPU()
	chunkSize := (rows + parallelism - 1) / parallelism
	if chunkSize < minRowsPerWorker {
		chunkSize = minRowsPerWorker
	}
	if chunkSize >= rows {
		fn(0, rows)
		return
	}
	var wg sync.WaitGroup
	for i := 0; i < rows; i += chunkSize {
		end := i + chunkSize
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(rowStart, rowEnd int) {
			defer wg.Done()
			fn(rowStart, rowEnd)
		}(i, end)
	}
	wg.Wait()
}

func checkLen(name string, got, want int) {
	if got < want {
		panic("cpu: " + name + " buffer too small")
	}
}

// Linear computes out = in · w for rows x inCols input.
func Linear(in []float32, rows, inCols int, w []float32, outCols int, out []float32) {
	checkLen("linear input", len(in), rows*inCols)
	checkLen("linear weight", len(w), inCols*outCols)
	checkLen("linear output", len(out), rows*outCols)
	parallelRows(rows, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			inRow := in[row*inCols : (row+1)*inCols]
			outRow := out[row*outCols : (row+1)*outCols]
			for col := range outRow {
				outRow[col] = 0
			}
			for k, x := range inRow {
				if x == 0 {
					continue
				}
				wRow := w[k*outCols : (k+1)*outCols]
				for col, wv := range wRow {
					outRow[col] += x * wv
				}
			}
		}
	})
}

// LinearBackward adds dOut · wᵀ into dIn.
func LinearBackward(dOut []float32, rows, outCols int, w []float32, inCols int, dIn []float32) {
	checkLen("linear grad", len(dOut), rows*outCols)
	checkLen("linear weight", len(w), inCols*outCols)
	checkLen("linear input grad", len(dIn), rows*inCols)
	parallelRows(rows, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			g := dOut[row*outCols : (row+1)*outCols]
			d := dIn[row*inCols : (row+1)*inCols]
			for k := range d {
				wRow := w[k*outCols : (k+1)*outCols]
				var sum float32
				for col, wv := range wRow {
					sum += g[col] * wv
				}
				d[k] += sum
			}
		}
	})
}

func rmsScale(row []float32, eps float32) float32 {
	var sum float32
	for _, v := range row {
		sum += v * v
	}
	return float32(1.0) / float32(math.Sqrt(float64(sum/float32(len(row)))+float64(eps)))
}

func RMSNorm(in []float32, rows, cols int, w []float32, eps float32, out []float32) {
	checkLen("rmsnorm input", len(in), rows*cols)
	checkLen("rmsnorm output", len(out), rows*cols)
	parallelRows(rows, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			x := in[row*cols : (row+1)*cols]
			y := out[row*cols : (row+1)*cols]
			r := rmsScale(x, eps)
			for j := range x {
				y[j] = x[j] * r * w[j]
			}
		}
	})
}

// RMSNormBackward adds the input gradient of RMSNorm into dIn.
func RMSNormBackward(in []float32, rows, cols int, w []float32, eps float32, dOut, dIn []float32) {
	checkLen("rmsnorm input", len(in), rows*cols)
	checkLen("rmsnorm grad", len(dOut), rows*cols)
	checkLen("rmsnorm input grad", len(dIn), rows*cols)
	parallelRows(rows, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			x := in[row*cols : (row+1)*cols]
			g := dOut[row*cols : (row+1)*cols]
			d := dIn[row*cols : (row+1)*cols]
			r := rmsScale(x, eps)
			var dot float32
			for j := range x {
				dot += g[j] * w[j] * x[j]
			}
			k := r * r * r * dot / float32(cols)
			for j := range x {
				d[j] += r*w[j]*g[j] - x[j]*k
			}
		}
	})
}

// GeLU uses the tanh approximation.
func GeLU(in, out []float32) {
	checkLen("gelu output", len(out), len(in))
	for i, x := range in {
		u := geluC * (x + geluA*x*x*x)
		out[i] = 0.5 * x * (1 + float32(math.Tanh(float64(u))))
	}
}

// GeLUBackward writes dOut * gelu'(in) into dIn.
func GeLUBackward(in, dOut, dIn []float32) {
	checkLen("gelu grad", len(dOut), len(in))
	checkLen("gelu input grad", len(dIn), len(in))
	for i, x := range in {
		u := geluC * (x + geluA*x*x*x)
		t := float32(math.Tanh(float64(u)))
		du := geluC * (1 + 3*geluA*x*x)
		dIn[i] = dOut[i] * (0.5*(1+t) + 0.5*x*(1-t*t)*du)
	}
}

func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}

// LogSoftmax writes log-probabilities of x into out, accumulating in float64.
func LogSoftmax(x []float32, out []float64) {
	checkLen("log softmax output", len(out), len(x))
	if len(x) == 0 {
		return
	}
	max := float64(x[0])
	for _, v := range x {
		if float64(v) > max {
			max = float64(v)
		}
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v) - max)
	}
	lse := max + math.Log(sum)
	for i, v := range x {
		out[i] = float64(v) - lse
	}
}

func Add(a, b []float32) {
	checkLen("add operand", len(b), len(a))
	for i := range a {
		a[i] += b[i]
	}
}

// AddScaled computes a += s*b.
func AddScaled(a []float32, s float32, b []float32) {
	checkLen("add operand", len(b), len(a))
	for i := range a {
		a[i] += s * b[i]
	}
}

func Dot(a, b []float32) float32 {
	checkLen("dot operand", len(b), len(a))
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// ArgMax returns the lowest index holding the maximum.
func ArgMax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
