package loader

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"worldstream/internal/scheduler"
)

// Chunk is a loaded 16x16 column of block ids (2D world).
type Chunk struct {
	CX, CZ int
	Blocks []uint16 // len = 16*16, x fastest then z
	Biome  string
}

func (c *Chunk) Digest() [32]byte {
	h := sha256.New()
	var tmp [2]byte
	for _, v := range c.Blocks {
		binary.LittleEndian.PutUint16(tmp[:], v)
		h.Write(tmp[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SizeBytes is what the chunk costs on the wire, used for load metrics.
func (c *Chunk) SizeBytes() int64 { return int64(len(c.Blocks) * 2) }

// ChunkLoader produces chunk content for a dispatched request.
type ChunkLoader interface {
	Load(ctx context.Context, req scheduler.LoadingRequest) (*Chunk, error)
}

// Palette ids for the generated world.
const (
	blockAir uint16 = iota
	blockDirt
	blockGrass
	blockSand
	blockStone
	blockGravel
	blockLog
	blockCoalOre
	blockIronOre
	blockCopperOre
	blockCrystalOre
)

// Generator synthesizes chunks deterministically from a seed. The same
// (seed, cx, cz) always yields identical blocks, so reloads are stable.
type Generator struct {
	Seed int64
}

func NewGenerator(seed int64) *Generator { return &Generator{Seed: seed} }

func (g *Generator) Load(_ context.Context, req scheduler.LoadingRequest) (*Chunk, error) {
	ch := &Chunk{
		CX:     req.Chunk.CX,
		CZ:     req.Chunk.CZ,
		Blocks: make([]uint16, 16*16),
	}
	ch.Biome = biomeFrom(hash2(g.Seed, ch.CX, ch.CZ))
	for z := 0; z < 16; z++ {
		for x := 0; x < 16; x++ {
			wx := ch.CX*16 + x
			wz := ch.CZ*16 + z

			roll := hash2(g.Seed, wx, wz) % 1000
			b := blockAir
			switch {
			case roll < 10:
				b = blockCrystalOre
			case roll < 30:
				b = blockIronOre
			case roll < 60:
				b = blockCopperOre
			case roll < 100:
				b = blockCoalOre
			case roll < 180:
				b = blockStone
			case roll < 240:
				b = blockLog
			case roll < 300:
				if ch.Biome == "DESERT" {
					b = blockSand
				} else {
					b = blockDirt
				}
			case roll < 330:
				b = blockSand
			case roll < 350:
				b = blockGravel
			default:
				if ch.Biome == "PLAINS" {
					b = blockGrass
				}
			}

			ch.Blocks[x+z*16] = b
		}
	}
	return ch, nil
}

func biomeFrom(noise uint64) string {
	switch noise % 3 {
	case 0:
		return "PLAINS"
	case 1:
		return "FOREST"
	default:
		return "DESERT"
	}
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func hash2(seed int64, x, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}
