package host

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cwbudde/siftcl/internal/compute"
	"golang.org/x/exp/constraints"
)

type element interface {
	constraints.Integer | constraints.Float
}

// Buffer is a host allocation. Storage is word aligned so that typed views
// of any element size are valid.
type Buffer struct {
	ctx      *Context
	words    []uint64
	size     int
	released atomic.Bool
}

var _ compute.Buffer = (*Buffer)(nil)

func newBuffer(ctx *Context, size int) *Buffer {
	return &Buffer{ctx: ctx, words: make([]uint64, (size+7)/8), size: size}
}

// Size returns the allocation size in bytes.
func (b *Buffer) Size() int { return b.size }

// Release frees the allocation.
func (b *Buffer) Release() error {
	if b.released.Swap(true) {
		return nil
	}
	b.ctx.free(b.size)
	b.words = nil
	return nil
}

func (b *Buffer) bytes() []byte {
	if len(b.words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&b.words[0])), b.size)
}

func view[T element](b *Buffer) []T {
	var zero T
	n := b.size / int(unsafe.Sizeof(zero))
	if n == 0 || len(b.words) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b.words[0])), n)
}

func sliceBytes[T element](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}

// hostBytes returns the raw bytes of a typed host slice.
func hostBytes(v any) ([]byte, error) {
	switch s := v.(type) {
	case []byte:
		return s, nil
	case []int8:
		return sliceBytes(s), nil
	case []uint16:
		return sliceBytes(s), nil
	case []int16:
		return sliceBytes(s), nil
	case []uint32:
		return sliceBytes(s), nil
	case []int32:
		return sliceBytes(s), nil
	case []uint64:
		return sliceBytes(s), nil
	case []int64:
		return sliceBytes(s), nil
	case []float32:
		return sliceBytes(s), nil
	case []float64:
		return sliceBytes(s), nil
	default:
		return nil, fmt.Errorf("%w: host slice of type %T", compute.ErrUnsupportedArg, v)
	}
}

func asBuffer(ctx *Context, b compute.Buffer, op string) (*Buffer, error) {
	hb, ok := b.(*Buffer)
	if !ok || hb.ctx != ctx {
		return nil, compute.NewStatusError(op, compute.StatusInvalidMemObject)
	}
	if hb.released.Load() {
		return nil, fmt.Errorf("%s: %w", op, compute.ErrReleased)
	}
	return hb, nil
}
