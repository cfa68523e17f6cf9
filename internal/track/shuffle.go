package track

import (
	"fmt"
	"math"
	"sort"

	"skydiff/internal/imaging"
	"skydiff/internal/sky"
)

// Partition is the unit of reduce work: every candidate that could belong
// to the same track lands in the same partition.
type Partition struct {
	Key        string
	Candidates []imaging.Candidate
}

// CellKey identifies a coarse sky cell: a declination band and an RA cell
// whose width is scaled by cos(Dec) so cells stay roughly square.
type CellKey struct {
	Band int
	RA   int
}

func (k CellKey) String() string { return fmt.Sprintf("b%05d-r%06d", k.Band, k.RA) }

func (k CellKey) less(o CellKey) bool {
	if k.Band != o.Band {
		return k.Band < o.Band
	}
	return k.RA < o.RA
}

// Cell returns the partition cell of c for the given cell size. Cells at
// either pole span every RA.
func Cell(c sky.Coord, cellArcsec float64) CellKey {
	cellDeg := cellArcsec / sky.ArcsecPerDegree
	bands := int(math.Ceil(180/cellDeg - 1e-9))
	band := int(math.Floor((c.Dec + 90) / cellDeg))
	band = max(0, min(band, bands-1))

	cells := 1
	if band > 0 && band < bands-1 {
		center := -90 + (float64(band)+0.5)*cellDeg
		cells = max(1, int(math.Floor(360*math.Cos(center*math.Pi/180)/cellDeg)))
	}
	ra := int(math.Floor(sky.NormalizeRA(c.RA) / 360 * float64(cells)))
	return CellKey{Band: band, RA: ra % cells}
}

// Shuffle removes duplicate candidates (same id, as produced by a retried
// map unit), groups the rest by sky cell and merges cells that hold
// candidates within twice the link tolerance of each other. Any two members
// of one track are within that distance, so partitions are independent.
func Shuffle(cands []imaging.Candidate, cellArcsec, tolArcsec float64) []Partition {
	unique := dedupe(cands)
	if len(unique) == 0 {
		return nil
	}

	keys := make([]CellKey, len(unique))
	index := make(map[CellKey]int)
	var cellList []CellKey
	for i, c := range unique {
		k := Cell(c.Coord, cellArcsec)
		keys[i] = k
		if _, ok := index[k]; !ok {
			index[k] = len(cellList)
			cellList = append(cellList, k)
		}
	}

	uf := newUnionFind(len(cellList))
	reach := 2 * tolArcsec
	reachDeg := reach / sky.ArcsecPerDegree

	byDec := make([]int, len(unique))
	for i := range byDec {
		byDec[i] = i
	}
	sort.Slice(byDec, func(a, b int) bool { return unique[byDec[a]].Coord.Dec < unique[byDec[b]].Coord.Dec })
	for a := 0; a < len(byDec); a++ {
		ca := unique[byDec[a]]
		for b := a + 1; b < len(byDec); b++ {
			cb := unique[byDec[b]]
			if cb.Coord.Dec-ca.Coord.Dec > reachDeg {
				break
			}
			ka, kb := keys[byDec[a]], keys[byDec[b]]
			if ka == kb {
				continue
			}
			if sky.SeparationArcsec(ca.Coord, cb.Coord) <= reach {
				uf.union(index[ka], index[kb])
			}
		}
	}

	groups := make(map[int]*Partition)
	rootKey := make(map[int]CellKey)
	for i, k := range cellList {
		r := uf.find(i)
		if cur, ok := rootKey[r]; !ok || k.less(cur) {
			rootKey[r] = k
		}
	}
	for i, c := range unique {
		r := uf.find(index[keys[i]])
		p, ok := groups[r]
		if !ok {
			p = &Partition{Key: rootKey[r].String()}
			groups[r] = p
		}
		p.Candidates = append(p.Candidates, c)
	}

	out := make([]Partition, 0, len(groups))
	for _, p := range groups {
		out = append(out, *p)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key < out[b].Key })
	return out
}

func dedupe(cands []imaging.Candidate) []imaging.Candidate {
	seen := make(map[string]struct{}, len(cands))
	out := make([]imaging.Candidate, 0, len(cands))
	for _, c := range cands {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}
