package gpu

import (
	"fmt"

	"github.com/google/uuid"
)

type FeatureLevel int

const (
	FeatureLevel11_0 FeatureLevel = 0xb000
	FeatureLevel11_1 FeatureLevel = 0xb100
	FeatureLevel12_0 FeatureLevel = 0xc000
	FeatureLevel12_1 FeatureLevel = 0xc100
)

func (l FeatureLevel) String() string {
	return fmt.Sprintf("%d_%d", int(l)>>12, (int(l)>>8)&0xf)
}

type Format int

const (
	FormatUnknown Format = iota
	FormatB8G8R8A8Unorm
	FormatR8G8B8A8Unorm
	FormatD32Float
	FormatR32G32B32Float
)

var formatNames = map[Format]string{
	FormatUnknown:        "Unknown",
	FormatB8G8R8A8Unorm:  "B8G8R8A8Unorm",
	FormatR8G8B8A8Unorm:  "R8G8B8A8Unorm",
	FormatD32Float:       "D32Float",
	FormatR32G32B32Float: "R32G32B32Float",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Size returns the byte size of one element of f.
func (f Format) Size() int {
	switch f {
	case FormatB8G8R8A8Unorm, FormatR8G8B8A8Unorm, FormatD32Float:
		return 4
	case FormatR32G32B32Float:
		return 12
	}
	return 0
}

// Size is an output size in pixels, as reported by the windowing layer.
type Size struct {
	Width, Height float32
}

type Viewport struct {
	TopLeftX, TopLeftY float32
	Width, Height      float32
	MinDepth, MaxDepth float32
}

type Rect struct {
	Left, Top, Right, Bottom int
}

type AdapterDesc struct {
	Description string
	ID          uuid.UUID
	VendorID    uint32
	DeviceID    uint32
	Software    bool
}

type SwapChainDesc struct {
	Width, Height int
	Format        Format
	BufferCount   int
}

type DescriptorHeapType int

const (
	DescriptorHeapRTV DescriptorHeapType = iota
	DescriptorHeapDSV
	DescriptorHeapCBVSRVUAV
)

type DescriptorHeapDesc struct {
	Type           DescriptorHeapType
	NumDescriptors int
	ShaderVisible  bool
}

// DescriptorHandle addresses one slot of a descriptor heap.
type DescriptorHandle struct {
	Heap  DescriptorHeap
	Index int
}

// Offset returns the handle n slots further into the same heap.
func (h DescriptorHandle) Offset(n int) DescriptorHandle {
	return DescriptorHandle{Heap: h.Heap, Index: h.Index + n}
}

type HeapType int

const (
	HeapDefault HeapType = iota
	HeapUpload
)

type ResourceState int

const (
	StateCommon ResourceState = iota
	StatePresent
	StateRenderTarget
	StateDepthWrite
	StateCopyDest
	StateGenericRead
	StateVertexAndConstantBuffer
)

var stateNames = map[ResourceState]string{
	StateCommon:                  "Common",
	StatePresent:                 "Present",
	StateRenderTarget:            "RenderTarget",
	StateDepthWrite:              "DepthWrite",
	StateCopyDest:                "CopyDest",
	StateGenericRead:             "GenericRead",
	StateVertexAndConstantBuffer: "VertexAndConstantBuffer",
}

func (s ResourceState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ResourceState(%d)", int(s))
}

type BufferDesc struct {
	Size         int
	Heap         HeapType
	InitialState ResourceState
}

type TextureDesc struct {
	Width, Height int
	Format        Format
	InitialState  ResourceState
	ClearDepth    float32
}

type TransitionBarrier struct {
	Resource Resource
	Before   ResourceState
	After    ResourceState
}

type ConstantBufferViewDesc struct {
	BufferLocation uint64
	SizeInBytes    int
}

type VertexBufferView struct {
	BufferLocation uint64
	SizeInBytes    int
	StrideInBytes  int
}

type PrimitiveTopology int

const (
	TopologyUndefined PrimitiveTopology = iota
	TopologyTriangleList
)

type ShaderVisibility int

const (
	VisibilityAll ShaderVisibility = iota
	VisibilityVertex
	VisibilityPixel
)

type DescriptorRangeType int

const (
	RangeCBV DescriptorRangeType = iota
	RangeSRV
)

type DescriptorRange struct {
	Type         DescriptorRangeType
	Count        int
	BaseRegister int
}

type RootParameter struct {
	Ranges     []DescriptorRange
	Visibility ShaderVisibility
}

type RootSignatureFlags uint32

const (
	RootSignatureAllowInputAssemblerInputLayout RootSignatureFlags = 1 << iota
	RootSignatureDenyHullShaderRootAccess
	RootSignatureDenyDomainShaderRootAccess
	RootSignatureDenyGeometryShaderRootAccess
	RootSignatureDenyPixelShaderRootAccess
)

type RootSignatureDesc struct {
	Parameters []RootParameter
	Flags      RootSignatureFlags
}

type InputElementDesc struct {
	SemanticName      string
	Format            Format
	AlignedByteOffset int
}

type CullMode int

const (
	CullNone CullMode = iota
	CullFront
	CullBack
)

type ComparisonFunc int

const (
	ComparisonNever ComparisonFunc = iota
	ComparisonLess
	ComparisonLessEqual
	ComparisonAlways
)

type RasterizerState struct {
	CullMode              CullMode
	FrontCounterClockwise bool
	DepthClipEnable       bool
}

type BlendState struct {
	BlendEnable bool
}

type DepthStencilState struct {
	DepthEnable bool
	DepthWrite  bool
	DepthFunc   ComparisonFunc
}

// DefaultRasterizerState matches the fixed-function defaults: back-face
// culling, clockwise front faces, depth clipping.
func DefaultRasterizerState() RasterizerState {
	return RasterizerState{CullMode: CullBack, DepthClipEnable: true}
}

func DefaultBlendState() BlendState {
	return BlendState{}
}

func DefaultDepthStencilState() DepthStencilState {
	return DepthStencilState{DepthEnable: true, DepthWrite: true, DepthFunc: ComparisonLess}
}

type GraphicsPipelineStateDesc struct {
	RootSignature RootSignature
	VS            []byte
	PS            []byte
	InputLayout   []InputElementDesc
	Rasterizer    RasterizerState
	Blend         BlendState
	DepthStencil  DepthStencilState
	SampleMask    uint32
	Topology      PrimitiveTopology
	RTVFormats    []Format
	DSVFormat     Format
	SampleCount   int
}
