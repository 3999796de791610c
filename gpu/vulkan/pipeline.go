package vulkan

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/vkngwrapper/tutorials/gpu"
)

type pipelineState struct {
	dev           *Device
	pipeline      core1_0.Pipeline
	rootSignature *rootSignature
	topology      gpu.PrimitiveTopology
	// key is the render pass the pipeline is compatible with.
	key    passKey
	stride int
}

func (p *pipelineState) Release() {
	p.pipeline.Destroy(nil)
}

func bytesToBytecode(b []byte) []uint32 {
	byteCode := make([]uint32, len(b)/4)
	for i := range byteCode {
		byteCode[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return byteCode
}

func (d *Device) createShaderModule(name string, code []byte) (core1_0.ShaderModule, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, errors.Newf("vulkan: %s shader of %d bytes is not SPIR-V", name, len(code))
	}
	module, _, err := d.device.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{
		Code: bytesToBytecode(code),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "vulkan: create %s shader module", name)
	}
	return module, nil
}

func (d *Device) CreateGraphicsPipelineState(desc gpu.GraphicsPipelineStateDesc) (gpu.PipelineState, error) {
	rs, ok := desc.RootSignature.(*rootSignature)
	if !ok {
		return nil, errors.Newf("vulkan: foreign root signature %T", desc.RootSignature)
	}
	if len(desc.RTVFormats) != 1 {
		return nil, errors.Newf("vulkan: pipelines draw to exactly one render target, got %d", len(desc.RTVFormats))
	}
	if desc.SampleCount > 1 {
		return nil, errors.Newf("vulkan: %d samples, multisampling is not supported", desc.SampleCount)
	}
	if desc.Blend.BlendEnable {
		return nil, errors.New("vulkan: blending is not supported")
	}
	topo, err := topology(desc.Topology)
	if err != nil {
		return nil, err
	}

	key := passKey{depth: core1_0.FormatUndefined}
	if key.color, err = vkFormat(desc.RTVFormats[0]); err != nil {
		return nil, err
	}
	if desc.DSVFormat != gpu.FormatUnknown {
		if key.depth, err = vkFormat(desc.DSVFormat); err != nil {
			return nil, err
		}
	}

	var (
		attributes []core1_0.VertexInputAttributeDescription
		stride     int
	)
	for i, element := range desc.InputLayout {
		format, err := vkFormat(element.Format)
		if err != nil {
			return nil, errors.Wrapf(err, "vulkan: input element %s", element.SemanticName)
		}
		attributes = append(attributes, core1_0.VertexInputAttributeDescription{
			Binding:  0,
			Location: uint32(i),
			Format:   format,
			Offset:   element.AlignedByteOffset,
		})
		if end := element.AlignedByteOffset + element.Format.Size(); end > stride {
			stride = end
		}
	}
	if stride == 0 {
		return nil, errors.New("vulkan: empty input layout")
	}

	vertShader, err := d.createShaderModule("vertex", desc.VS)
	if err != nil {
		return nil, err
	}
	defer vertShader.Destroy(nil)
	fragShader, err := d.createShaderModule("fragment", desc.PS)
	if err != nil {
		return nil, err
	}
	defer fragShader.Destroy(nil)

	renderPass, err := d.renderPass(key)
	if err != nil {
		return nil, err
	}

	pipelines, _, err := d.device.CreateGraphicsPipelines(nil, nil, []core1_0.GraphicsPipelineCreateInfo{
		{
			Stages: []core1_0.PipelineShaderStageCreateInfo{
				{Stage: core1_0.StageVertex, Module: vertShader, Name: "main"},
				{Stage: core1_0.StageFragment, Module: fragShader, Name: "main"},
			},
			VertexInputState: &core1_0.PipelineVertexInputStateCreateInfo{
				VertexBindingDescriptions: []core1_0.VertexInputBindingDescription{
					{Binding: 0, Stride: stride, InputRate: core1_0.VertexInputRateVertex},
				},
				VertexAttributeDescriptions: attributes,
			},
			InputAssemblyState: &core1_0.PipelineInputAssemblyStateCreateInfo{
				Topology:               topo,
				PrimitiveRestartEnable: false,
			},
			// Viewport and scissor are dynamic; the counts are what matters.
			ViewportState: &core1_0.PipelineViewportStateCreateInfo{
				Viewports: []core1_0.Viewport{{Width: 1, Height: 1, MaxDepth: 1}},
				Scissors:  []core1_0.Rect2D{{Extent: core1_0.Extent2D{Width: 1, Height: 1}}},
			},
			RasterizationState: &core1_0.PipelineRasterizationStateCreateInfo{
				DepthClampEnable:        false,
				RasterizerDiscardEnable: false,
				PolygonMode:             core1_0.PolygonModeFill,
				CullMode:                cullMode(desc.Rasterizer.CullMode),
				FrontFace:               frontFace(desc.Rasterizer.FrontCounterClockwise),
				DepthBiasEnable:         false,
				LineWidth:               1.0,
			},
			MultisampleState: &core1_0.PipelineMultisampleStateCreateInfo{
				SampleShadingEnable:  false,
				RasterizationSamples: core1_0.Samples1,
				MinSampleShading:     1.0,
			},
			DepthStencilState: &core1_0.PipelineDepthStencilStateCreateInfo{
				DepthTestEnable:  desc.DepthStencil.DepthEnable,
				DepthWriteEnable: desc.DepthStencil.DepthWrite,
				DepthCompareOp:   compareOp(desc.DepthStencil.DepthFunc),
			},
			ColorBlendState: &core1_0.PipelineColorBlendStateCreateInfo{
				LogicOpEnabled: false,
				LogicOp:        core1_0.LogicOpCopy,
				Attachments: []core1_0.PipelineColorBlendAttachmentState{
					{
						BlendEnabled:   false,
						ColorWriteMask: core1_0.ColorComponentRed | core1_0.ColorComponentGreen | core1_0.ColorComponentBlue | core1_0.ColorComponentAlpha,
					},
				},
			},
			DynamicState: &core1_0.PipelineDynamicStateCreateInfo{
				DynamicStates: []core1_0.DynamicState{core1_0.DynamicStateViewport, core1_0.DynamicStateScissor},
			},
			Layout:            rs.layout,
			RenderPass:        renderPass,
			Subpass:           0,
			BasePipelineIndex: -1,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "vulkan: create graphics pipeline")
	}

	return &pipelineState{
		dev:           d,
		pipeline:      pipelines[0],
		rootSignature: rs,
		topology:      desc.Topology,
		key:           passKey{color: key.color, depth: key.depth},
		stride:        stride,
	}, nil
}

// renderPass returns the cached pass for key. Color ends in
// ColorAttachmentOptimal and leaves layout changes to explicit barriers;
// a cleared depth buffer's old contents are discarded.
func (d *Device) renderPass(key passKey) (core1_0.RenderPass, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rp, ok := d.renderPasses[key]; ok {
		return rp, nil
	}

	var (
		attachments []core1_0.AttachmentDescription
		subpass     = core1_0.SubpassDescription{PipelineBindPoint: core1_0.PipelineBindPointGraphics}
	)
	if key.color != core1_0.FormatUndefined {
		load := core1_0.AttachmentLoadOpLoad
		if key.clearColor {
			load = core1_0.AttachmentLoadOpClear
		}
		subpass.ColorAttachments = []core1_0.AttachmentReference{
			{Attachment: len(attachments), Layout: core1_0.ImageLayoutColorAttachmentOptimal},
		}
		attachments = append(attachments, core1_0.AttachmentDescription{
			Format:         key.color,
			Samples:        core1_0.Samples1,
			LoadOp:         load,
			StoreOp:        core1_0.AttachmentStoreOpStore,
			StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
			StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
			InitialLayout:  core1_0.ImageLayoutColorAttachmentOptimal,
			FinalLayout:    core1_0.ImageLayoutColorAttachmentOptimal,
		})
	}
	if key.depth != core1_0.FormatUndefined {
		load, initial := core1_0.AttachmentLoadOpLoad, core1_0.ImageLayoutDepthStencilAttachmentOptimal
		if key.clearDepth {
			load, initial = core1_0.AttachmentLoadOpClear, core1_0.ImageLayoutUndefined
		}
		subpass.DepthStencilAttachment = &core1_0.AttachmentReference{
			Attachment: len(attachments),
			Layout:     core1_0.ImageLayoutDepthStencilAttachmentOptimal,
		}
		attachments = append(attachments, core1_0.AttachmentDescription{
			Format:         key.depth,
			Samples:        core1_0.Samples1,
			LoadOp:         load,
			StoreOp:        core1_0.AttachmentStoreOpStore,
			StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
			StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
			InitialLayout:  initial,
			FinalLayout:    core1_0.ImageLayoutDepthStencilAttachmentOptimal,
		})
	}

	rp, _, err := d.device.CreateRenderPass(nil, core1_0.RenderPassCreateInfo{
		Attachments: attachments,
		Subpasses:   []core1_0.SubpassDescription{subpass},
		SubpassDependencies: []core1_0.SubpassDependency{
			{
				SrcSubpass:    core1_0.SubpassExternal,
				DstSubpass:    0,
				SrcStageMask:  core1_0.PipelineStageColorAttachmentOutput | core1_0.PipelineStageEarlyFragmentTests,
				SrcAccessMask: 0,
				DstStageMask:  core1_0.PipelineStageColorAttachmentOutput | core1_0.PipelineStageEarlyFragmentTests,
				DstAccessMask: core1_0.AccessColorAttachmentWrite | core1_0.AccessDepthStencilAttachmentWrite,
			},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "vulkan: create render pass")
	}
	d.renderPasses[key] = rp
	return rp, nil
}

type framebufferKey struct {
	renderPass   core1_0.RenderPass
	color, depth core1_0.ImageView
}

func (d *Device) framebuffer(renderPass core1_0.RenderPass, color, depth *texture) (core1_0.Framebuffer, error) {
	key := framebufferKey{renderPass: renderPass}
	var views []core1_0.ImageView
	width, height := 0, 0
	if color != nil {
		key.color = color.view
		views = append(views, color.view)
		width, height = color.width, color.height
	}
	if depth != nil {
		key.depth = depth.view
		views = append(views, depth.view)
		if color == nil || depth.width < width {
			width = depth.width
		}
		if color == nil || depth.height < height {
			height = depth.height
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if fb, ok := d.framebuffers[key]; ok {
		return fb, nil
	}
	fb, _, err := d.device.CreateFramebuffer(nil, core1_0.FramebufferCreateInfo{
		RenderPass:  renderPass,
		Layers:      1,
		Attachments: views,
		Width:       width,
		Height:      height,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vulkan: create framebuffer")
	}
	d.framebuffers[key] = fb
	return fb, nil
}

// dropFramebuffers destroys every framebuffer that uses view. The caller
// guarantees the GPU is done with them.
func (d *Device) dropFramebuffers(view core1_0.ImageView) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, fb := range d.framebuffers {
		if key.color == view || key.depth == view {
			fb.Destroy(nil)
			delete(d.framebuffers, key)
		}
	}
}
