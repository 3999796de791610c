package renderer

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// ModelViewProjection is the vertex shader's constant buffer. Matrices are
// kept in mgl32's column-major order, which is what the shaders read.
type ModelViewProjection struct {
	Model      mgl32.Mat4
	View       mgl32.Mat4
	Projection mgl32.Mat4
}

// alignedConstantBufferSize is the size of one per-frame region. Constant
// buffer views must start on 256 byte boundaries.
var alignedConstantBufferSize = (binary.Size(ModelViewProjection{}) + 255) &^ 255

func (c *ModelViewProjection) bytes() []byte {
	buf := &bytes.Buffer{}
	// Writing fixed-size arrays into a bytes.Buffer cannot fail.
	_ = binary.Write(buf, binary.LittleEndian, c)
	return buf.Bytes()
}

type VertexPositionColor struct {
	Pos   mgl32.Vec3
	Color mgl32.Vec3
}

var triangleVertices = []VertexPositionColor{
	{Pos: mgl32.Vec3{0, 0.25, 0}, Color: mgl32.Vec3{1, 0, 0}},
	{Pos: mgl32.Vec3{0.25, -0.25, 0}, Color: mgl32.Vec3{0, 1, 0}},
	{Pos: mgl32.Vec3{-0.25, -0.25, 0}, Color: mgl32.Vec3{0, 0, 1}},
}

var vertexStride = binary.Size(VertexPositionColor{})

func vertexBytes(vertices []VertexPositionColor) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, vertices)
	return buf.Bytes()
}

// perspectiveFovRH builds a right-handed perspective projection with depth
// mapped to [0,1].
func perspectiveFovRH(fovY, aspect, near, far float32) mgl32.Mat4 {
	h := float32(1 / math.Tan(float64(fovY)/2))
	w := h / aspect
	zRange := far / (near - far)

	return mgl32.Mat4{
		w, 0, 0, 0,
		0, h, 0, 0,
		0, 0, zRange, -1,
		0, 0, zRange * near, 0,
	}
}
