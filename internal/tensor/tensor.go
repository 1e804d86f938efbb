package tensor

import "fmt"

// Device represents the placement of a tensor's storage.
type Device int

// Supported device placements. The numeric core in this repository runs on
// the host; accelerator placements are carried as tags for the caller.
const (
	CPU Device = iota
	CUDA
)

// String returns a human-readable device name.
func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	case CUDA:
		return "CUDA"
	default:
		return "Unknown"
	}
}

// Layout describes how a tensor's values are stored.
type Layout int

// Supported layouts. Sparse tensors are recognized but not consumed by the
// optimizers; they surface an unsupported-input error at step time.
const (
	Dense Layout = iota
	Sparse
)

// String returns a human-readable layout name.
func (l Layout) String() string {
	switch l {
	case Dense:
		return "dense"
	case Sparse:
		return "sparse"
	default:
		return "unknown"
	}
}

// Tensor is a dense multi-dimensional float32 value with an optional
// gradient of the same shape. The gradient may be absent on a given step.
type Tensor struct {
	shape  Shape
	dtype  DataType
	device Device
	layout Layout
	data   []float32
	grad   *Tensor
}

// New creates a zero-filled tensor with the given shape.
func New(shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	return &Tensor{
		shape: shape.Clone(),
		dtype: Float32,
		data:  make([]float32, shape.NumElements()),
	}, nil
}

// FromSlice creates a tensor that adopts data as its backing storage.
// The slice length must match the shape's element count.
func FromSlice(data []float32, shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)",
			len(data), shape, shape.NumElements())
	}
	return &Tensor{
		shape: shape.Clone(),
		dtype: Float32,
		data:  data,
	}, nil
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// DType returns the tensor's data type.
func (t *Tensor) DType() DataType {
	return t.dtype
}

// Device returns the tensor's device placement.
func (t *Tensor) Device() Device {
	return t.device
}

// Layout returns the tensor's storage layout.
func (t *Tensor) Layout() Layout {
	return t.layout
}

// SetLayout tags the tensor's storage layout.
func (t *Tensor) SetLayout(l Layout) {
	t.layout = l
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return t.shape.NumElements()
}

// ByteSize returns the storage size of the tensor's values in bytes.
func (t *Tensor) ByteSize() int {
	return t.NumElements() * t.dtype.Size()
}

// Data returns the tensor's backing storage. Mutations are visible to the
// owner; the optimizer writes parameter updates through this slice.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Grad returns the associated gradient tensor, or nil if absent.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetGrad attaches a gradient tensor. The gradient must match the tensor's
// shape.
func (t *Tensor) SetGrad(g *Tensor) error {
	if g != nil && !g.shape.Equal(t.shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", g.shape, t.shape)
	}
	t.grad = g
	return nil
}

// SetGradSlice attaches a gradient built from a flat slice, replacing any
// previous gradient.
func (t *Tensor) SetGradSlice(data []float32) error {
	g, err := FromSlice(data, t.shape)
	if err != nil {
		return err
	}
	t.grad = g
	return nil
}

// ClearGrad detaches the gradient so the tensor is skipped on the next step.
func (t *Tensor) ClearGrad() {
	t.grad = nil
}

// ZeroGrad zeroes the attached gradient in place, if present.
func (t *Tensor) ZeroGrad() {
	if t.grad == nil {
		return
	}
	for i := range t.grad.data {
		t.grad.data[i] = 0
	}
}
