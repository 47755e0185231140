package outranking

import "math"

// Matrix is a dense square matrix indexed [row][column].
type Matrix [][]float64

// NewMatrix returns an n×n zero matrix backed by a single allocation.
func NewMatrix(n int) Matrix {
	backing := make([]float64, n*n)
	m := make(Matrix, n)
	for i := range m {
		m[i] = backing[i*n : (i+1)*n : (i+1)*n]
	}
	return m
}

// Size returns the number of rows.
func (m Matrix) Size() int { return len(m) }

// IsSquare reports whether every row has as many columns as there are rows.
func (m Matrix) IsSquare() bool {
	for _, row := range m {
		if len(row) != len(m) {
			return false
		}
	}
	return true
}

// CompareOn builds the fuzzy "not worse than" matrix for one criterion.
// values holds the evaluation of each item on that criterion, in item order.
//
// C[i][j] is 1 when item i scores at least as high as item j, and otherwise decays
// linearly with the gap: 1 + (v[i]-v[j])/scale. No floor is applied, so gaps wider
// than scale produce negative entries.
func CompareOn(values []float64, scale float64) Matrix {
	n := len(values)
	c := NewMatrix(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if values[i] >= values[j] {
				c[i][j] = 1
			} else {
				c[i][j] = 1 + (values[i]-values[j])/scale
			}
		}
	}
	return c
}

// Ponderate raises every entry of c to the power w and returns a new matrix.
// With w < 1 entries are pulled toward 1, so less important criteria discriminate less.
// Negative entries use the sign-preserving power -(|x|^w) to stay real and monotone.
func Ponderate(c Matrix, w float64) Matrix {
	out := NewMatrix(c.Size())
	for i, row := range c {
		for j, v := range row {
			out[i][j] = ponderate(v, w)
		}
	}
	return out
}

func ponderate(v, w float64) float64 {
	switch {
	case v == 1:
		return 1
	case v < 0:
		return -math.Pow(-v, w)
	default:
		return math.Pow(v, w)
	}
}

// FoldCriterion lowers every entry of g to the ponderated comparison of values on one
// criterion when that is smaller. Starting from a matrix filled by NewUnitMatrix and
// folding each criterion in turn gives the same result as Aggregate over the Ponderate
// of each CompareOn, without holding one matrix per criterion.
func FoldCriterion(g Matrix, values []float64, scale, w float64) error {
	if g.Size() != len(values) || !g.IsSquare() {
		return dimensionMismatch("aggregate", "matrix is not %dx%d", len(values), len(values))
	}
	for i, vi := range values {
		row := g[i]
		for j, vj := range values {
			if vi >= vj {
				// Ponderated entry is 1, which never lowers a fuzzy degree already at most 1.
				continue
			}
			if p := ponderate(1+(vi-vj)/scale, w); p < row[j] {
				row[j] = p
			}
		}
	}
	return nil
}

// NewUnitMatrix returns an n×n matrix with every entry set to 1, the identity of the
// elementwise minimum over comparison matrices.
func NewUnitMatrix(n int) Matrix {
	m := NewMatrix(n)
	for _, row := range m {
		for j := range row {
			row[j] = 1
		}
	}
	return m
}

// Aggregate combines per-criterion matrices with an elementwise minimum: i outranks j
// only as much as the criterion on which i fares worst against j allows.
func Aggregate(matrices ...Matrix) (Matrix, error) {
	if len(matrices) == 0 {
		return nil, invalidInput("aggregate", "no comparison matrices to aggregate")
	}

	n := matrices[0].Size()
	for k, m := range matrices {
		if m.Size() != n || !m.IsSquare() {
			return nil, dimensionMismatch("aggregate", "matrix %d is not %dx%d", k, n, n)
		}
	}

	g := NewMatrix(n)
	for i := 0; i < n; i++ {
		copy(g[i], matrices[0][i])
	}
	for _, m := range matrices[1:] {
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if m[i][j] < g[i][j] {
					g[i][j] = m[i][j]
				}
			}
		}
	}
	return g, nil
}

// StrictRelation derives S[i][j] = max(G[i][j] - G[j][i], 0) from the global outranking
// matrix. S[i][j] > 0 means i outranks j strictly more than j outranks i.
func StrictRelation(g Matrix) (Matrix, error) {
	if !g.IsSquare() {
		return nil, dimensionMismatch("strict", "global outranking matrix is not square")
	}

	n := g.Size()
	s := NewMatrix(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if d := g[i][j] - g[j][i]; d > 0 {
				s[i][j] = d
			}
		}
	}
	return s, nil
}
