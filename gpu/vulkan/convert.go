package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/vkngwrapper/tutorials/gpu"
)

func vkFormat(f gpu.Format) (core1_0.Format, error) {
	switch f {
	case gpu.FormatB8G8R8A8Unorm:
		return core1_0.FormatB8G8R8A8UnsignedNormalized, nil
	case gpu.FormatR8G8B8A8Unorm:
		return core1_0.FormatR8G8B8A8UnsignedNormalized, nil
	case gpu.FormatD32Float:
		return core1_0.FormatD32SignedFloat, nil
	case gpu.FormatR32G32B32Float:
		return core1_0.FormatR32G32B32SignedFloat, nil
	}
	return 0, errors.Newf("vulkan: format %s has no equivalent", f)
}

// requiredVersion maps a feature level onto the core version a physical
// device has to report.
func requiredVersion(level gpu.FeatureLevel) common.APIVersion {
	switch {
	case level >= gpu.FeatureLevel12_1:
		return common.Vulkan1_2
	case level >= gpu.FeatureLevel12_0:
		return common.Vulkan1_1
	}
	return common.Vulkan1_0
}

// usage is how a resource in a given state is touched by the pipeline.
type usage struct {
	layout core1_0.ImageLayout
	access core1_0.AccessFlags
	// srcStage is waited on when leaving the state, dstStage when entering.
	srcStage core1_0.PipelineStageFlags
	dstStage core1_0.PipelineStageFlags
}

func stateUsage(s gpu.ResourceState) usage {
	switch s {
	case gpu.StatePresent:
		// Leaving Present chains onto the acquire semaphore, which is waited
		// at color attachment output.
		return usage{
			layout:   khr_swapchain.ImageLayoutPresentSrc,
			srcStage: core1_0.PipelineStageColorAttachmentOutput,
			dstStage: core1_0.PipelineStageBottomOfPipe,
		}
	case gpu.StateRenderTarget:
		return usage{
			layout:   core1_0.ImageLayoutColorAttachmentOptimal,
			access:   core1_0.AccessColorAttachmentWrite,
			srcStage: core1_0.PipelineStageColorAttachmentOutput,
			dstStage: core1_0.PipelineStageColorAttachmentOutput,
		}
	case gpu.StateDepthWrite:
		return usage{
			layout:   core1_0.ImageLayoutDepthStencilAttachmentOptimal,
			access:   core1_0.AccessDepthStencilAttachmentWrite,
			srcStage: core1_0.PipelineStageLateFragmentTests,
			dstStage: core1_0.PipelineStageEarlyFragmentTests,
		}
	case gpu.StateCopyDest:
		return usage{
			layout:   core1_0.ImageLayoutTransferDstOptimal,
			access:   core1_0.AccessTransferWrite,
			srcStage: core1_0.PipelineStageTransfer,
			dstStage: core1_0.PipelineStageTransfer,
		}
	case gpu.StateGenericRead:
		return usage{
			layout:   core1_0.ImageLayoutGeneral,
			access:   core1_0.AccessHostWrite | core1_0.AccessTransferRead,
			srcStage: core1_0.PipelineStageHost,
			dstStage: core1_0.PipelineStageTransfer,
		}
	case gpu.StateVertexAndConstantBuffer:
		return usage{
			layout:   core1_0.ImageLayoutGeneral,
			access:   core1_0.AccessVertexAttributeRead | core1_0.AccessUniformRead,
			srcStage: core1_0.PipelineStageVertexInput | core1_0.PipelineStageVertexShader,
			dstStage: core1_0.PipelineStageVertexInput | core1_0.PipelineStageVertexShader,
		}
	}
	return usage{
		layout:   core1_0.ImageLayoutGeneral,
		srcStage: core1_0.PipelineStageTopOfPipe,
		dstStage: core1_0.PipelineStageBottomOfPipe,
	}
}

func cullMode(m gpu.CullMode) core1_0.CullModeFlags {
	switch m {
	case gpu.CullFront:
		return core1_0.CullModeFront
	case gpu.CullBack:
		return core1_0.CullModeBack
	}
	return core1_0.CullModeFlags(0) // VK_CULL_MODE_NONE
}

// frontFace keeps the rasterizer's winding. The vertex shaders flip Y, so
// screen-space orientation matches what the winding was authored against.
func frontFace(counterClockwise bool) core1_0.FrontFace {
	if counterClockwise {
		return core1_0.FrontFaceCounterClockwise
	}
	return core1_0.FrontFaceClockwise
}

func compareOp(f gpu.ComparisonFunc) core1_0.CompareOp {
	switch f {
	case gpu.ComparisonLess:
		return core1_0.CompareOpLess
	case gpu.ComparisonLessEqual:
		return core1_0.CompareOpLessOrEqual
	case gpu.ComparisonAlways:
		return core1_0.CompareOpAlways
	}
	return core1_0.CompareOpNever
}

func topology(t gpu.PrimitiveTopology) (core1_0.PrimitiveTopology, error) {
	if t == gpu.TopologyTriangleList {
		return core1_0.PrimitiveTopologyTriangleList, nil
	}
	return 0, errors.Newf("vulkan: unsupported topology %d", t)
}
