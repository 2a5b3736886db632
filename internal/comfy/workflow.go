package comfy

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Tenos-ai/tenos-bot/internal/domain"
)

// Node is one entry in a workflow graph in the backend's API format.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// GraphOptions carry the deployment-specific values a descriptor does not
// know about.
type GraphOptions struct {
	ModelName      string
	FilenamePrefix string
}

// ref builds a node-output reference in the backend's [node, slot] form.
func ref(node string, slot int) []any { return []any{node, slot} }

// Dimensions converts an aspect ratio and a megapixel target into concrete
// width and height, snapped down to multiples of 8 as the samplers require.
func Dimensions(aspect string, megapixels float64) (int, int, error) {
	if megapixels <= 0 {
		megapixels = 1.0
	}
	w, h := 1, 1
	if aspect != "" {
		parts := strings.SplitN(aspect, ":", 2)
		if len(parts) != 2 {
			return 0, 0, fmt.Errorf("%w: aspect ratio %q", domain.ErrValidation, aspect)
		}
		var err1, err2 error
		w, err1 = strconv.Atoi(parts[0])
		h, err2 = strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
			return 0, 0, fmt.Errorf("%w: aspect ratio %q", domain.ErrValidation, aspect)
		}
	}

	total := megapixels * 1_000_000
	ratio := float64(w) / float64(h)
	width := int(math.Sqrt(total*ratio)) / 8 * 8
	height := int(math.Sqrt(total/ratio)) / 8 * 8
	if width < 8 {
		width = 8
	}
	if height < 8 {
		height = 8
	}
	return width, height, nil
}

// BuildGraph maps a descriptor onto the node graph the backend executes.
// Batch expansion happens upstream; every graph renders a single image.
func BuildGraph(d domain.Descriptor, opts GraphOptions) (map[string]Node, error) {
	width, height, err := Dimensions(d.AspectRatio, d.MPSize)
	if err != nil {
		return nil, err
	}

	graph := map[string]Node{}
	next := 1
	id := func() string {
		s := strconv.Itoa(next)
		next++
		return s
	}

	ckpt := id()
	graph[ckpt] = Node{
		ClassType: "CheckpointLoaderSimple",
		Inputs:    map[string]any{"ckpt_name": opts.ModelName},
	}

	// Chain style conditioning through the model and CLIP outputs.
	modelRef := ref(ckpt, 0)
	clipRef := ref(ckpt, 1)
	vaeRef := ref(ckpt, 2)
	for _, slot := range d.StyleFragment.Slots {
		lora := id()
		graph[lora] = Node{
			ClassType: "LoraLoader",
			Inputs: map[string]any{
				"model":          modelRef,
				"clip":           clipRef,
				"lora_name":      slot.Name,
				"strength_model": slot.Strength,
				"strength_clip":  slot.Strength,
			},
		}
		modelRef = ref(lora, 0)
		clipRef = ref(lora, 1)
	}

	positive := id()
	graph[positive] = Node{
		ClassType: "CLIPTextEncode",
		Inputs:    map[string]any{"clip": clipRef, "text": d.Prompt},
	}
	negative := id()
	graph[negative] = Node{
		ClassType: "CLIPTextEncode",
		Inputs:    map[string]any{"clip": clipRef, "text": d.NegativePrompt},
	}

	latentRef, denoise, err := latentFor(d, graph, id, vaeRef, width, height)
	if err != nil {
		return nil, err
	}

	sampler := id()
	graph[sampler] = Node{
		ClassType: "KSampler",
		Inputs: map[string]any{
			"model":        modelRef,
			"positive":     ref(positive, 0),
			"negative":     ref(negative, 0),
			"latent_image": latentRef,
			"seed":         d.Seed,
			"steps":        d.Steps,
			"cfg":          d.Guidance,
			"sampler_name": "euler",
			"scheduler":    "normal",
			"denoise":      denoise,
		},
	}

	decode := id()
	graph[decode] = Node{
		ClassType: "VAEDecode",
		Inputs:    map[string]any{"samples": ref(sampler, 0), "vae": vaeRef},
	}

	prefix := opts.FilenamePrefix
	if prefix == "" {
		prefix = string(d.Kind)
	}
	save := id()
	graph[save] = Node{
		ClassType: "SaveImage",
		Inputs:    map[string]any{"images": ref(decode, 0), "filename_prefix": prefix},
	}

	return graph, nil
}

// latentFor picks the latent source: a blank canvas for fresh generations,
// the parent image re-encoded for img2img, vary and edit, and an upscaled
// re-encode for upscales.
func latentFor(d domain.Descriptor, graph map[string]Node, id func() string, vaeRef []any, width, height int) ([]any, float64, error) {
	fresh := len(d.SourceImages) == 0

	if fresh {
		latent := id()
		graph[latent] = Node{
			ClassType: "EmptyLatentImage",
			Inputs:    map[string]any{"width": width, "height": height, "batch_size": 1},
		}
		return ref(latent, 0), 1.0, nil
	}

	load := id()
	graph[load] = Node{
		ClassType: "LoadImage",
		Inputs:    map[string]any{"image": d.SourceImages[0]},
	}
	imageRef := ref(load, 0)

	if d.Kind == domain.ActionUpscale {
		if d.UpscaleFactor <= 0 {
			return nil, 0, fmt.Errorf("%w: upscale factor must be positive", domain.ErrValidation)
		}
		scale := id()
		graph[scale] = Node{
			ClassType: "ImageScaleBy",
			Inputs: map[string]any{
				"image":          imageRef,
				"upscale_method": "lanczos",
				"scale_by":       d.UpscaleFactor,
			},
		}
		imageRef = ref(scale, 0)
	}

	encode := id()
	graph[encode] = Node{
		ClassType: "VAEEncode",
		Inputs:    map[string]any{"pixels": imageRef, "vae": vaeRef},
	}

	denoise := d.Denoise
	if denoise <= 0 {
		denoise = 1.0
	}
	return ref(encode, 0), denoise, nil
}
