package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"uniconvert/internal/formats"
	"uniconvert/internal/models"
)

func kind(f formats.Format) formats.Kind {
	k, _ := formats.NewRegistry().Lookup(f)
	return k
}

func TestResolveEmpty(t *testing.T) {
	r := New(formats.NewRegistry())
	assert.Zero(t, r.Resolve().Len())
	assert.Zero(t, r.ResolveRecords(nil).Len())
}

func TestResolveSingle(t *testing.T) {
	reg := formats.NewRegistry()
	r := New(reg)
	assert.Equal(t, reg.ValidTargets(formats.TypeDocument, formats.PDF).Sorted(), r.Resolve(kind(formats.PDF)).Sorted())
}

func TestResolveSymmetric(t *testing.T) {
	r := New(formats.NewRegistry())
	all := formats.NewRegistry().Formats()
	for _, a := range all {
		for _, b := range all {
			assert.Equal(t, r.Resolve(kind(a), kind(b)).Sorted(), r.Resolve(kind(b), kind(a)).Sorted(), "%s/%s", a, b)
		}
	}
}

func TestResolveMixedImages(t *testing.T) {
	r := New(formats.NewRegistry())
	records := []models.FileRecord{
		{StoredName: "a.jpg", Kind: kind(formats.JPG)},
		{StoredName: "b.bmp", Kind: kind(formats.BMP)},
		{StoredName: "c.ico", Kind: kind(formats.ICO)},
	}
	assert.Equal(t, []formats.Format{formats.PNG}, r.ResolveRecords(records).Sorted())
}

func TestResolveDisjoint(t *testing.T) {
	r := New(formats.NewRegistry())
	assert.Zero(t, r.Resolve(kind(formats.ICO), kind(formats.DOCX)).Len())
}
