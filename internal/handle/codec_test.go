package handle

import (
	"math/rand"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		index, generation, instance uint32
	}{
		{0, 0, 0},
		{0, 1, 0},
		{maxIndex, maxGen, maxInstance},
		{1, 1, 1},
		{12345, 2, 17},
	}
	for _, c := range cases {
		h := encode(c.index, c.generation, c.instance)
		index, generation, instance := decode(h)
		if index != c.index || generation != c.generation || instance != c.instance {
			t.Errorf("encode/decode(%d,%d,%d) = handle %d -> (%d,%d,%d)",
				c.index, c.generation, c.instance, h, index, generation, instance)
		}
	}

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		index := uint32(r.Intn(int(maxIndex) + 1))
		generation := uint32(r.Intn(4))
		instance := uint32(r.Intn(64))

		h := encode(index, generation, instance)
		gotIndex, gotGeneration, gotInstance := decode(h)
		if gotIndex != index || gotGeneration != generation || gotInstance != instance {
			t.Fatalf("round trip failed for (%d,%d,%d): got (%d,%d,%d)",
				index, generation, instance, gotIndex, gotGeneration, gotInstance)
		}
	}
}

func TestNullHandleIsZero(t *testing.T) {
	if Handle(0) != 0 {
		t.Fatal("null handle must be the zero value")
	}
	// A freshly initialized slot never has generation 0, so encode(0,0,0)
	// never collides with a handle built from a live slot.
	index, generation, instance := decode(0)
	if index != 0 || generation != 0 || instance != 0 {
		t.Fatalf("decode(0) = (%d,%d,%d), want all zero", index, generation, instance)
	}
}

func TestGetInstance(t *testing.T) {
	h := encode(5, 2, 41)
	if got := GetInstance(h); got != 41 {
		t.Fatalf("GetInstance = %d, want 41", got)
	}
}
