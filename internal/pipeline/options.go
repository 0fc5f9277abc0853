package pipeline

import "github.com/remi71350-droid/perception-lab/internal/config"

// FrameOptions tunes a single frame on top of its profile.
type FrameOptions struct {
	Profile string         `json:"profile,omitempty"`
	Overlay OverlayOptions `json:"overlay_opts"`
}

// OverlayOptions carries per-request overrides. Nil pointers fall back to
// the profile or tuning defaults.
type OverlayOptions struct {
	ClassInclude  []string `json:"class_include,omitempty"`
	MaskOpacity   *float64 `json:"mask_opacity,omitempty" validate:"omitempty,gte=0,lte=1"`
	ConfThreshold *float64 `json:"conf_thresh,omitempty" validate:"omitempty,gte=0,lte=1"`
	NMSIoU        *float64 `json:"nms_iou,omitempty" validate:"omitempty,gte=0,lte=1"`
	Draw          *bool    `json:"draw,omitempty"`
	EmbedImage    bool     `json:"embed_image,omitempty"`
}

// resolved is the effective per-frame configuration.
type resolved struct {
	profile     config.Profile
	conf        float64
	nmsIoU      float64
	opacity     float64
	classes     []string
	draw        bool
	embed       bool
	jpegQuality int
}

func resolve(cfg *config.TuningConfig, opts FrameOptions) (resolved, error) {
	p, err := cfg.Profile(opts.Profile)
	if err != nil {
		return resolved{}, err
	}
	r := resolved{
		profile:     p,
		conf:        p.ConfThreshold,
		nmsIoU:      p.NMSIoU,
		opacity:     cfg.GetMaskOpacity(),
		classes:     opts.Overlay.ClassInclude,
		draw:        true,
		embed:       opts.Overlay.EmbedImage,
		jpegQuality: cfg.GetJPEGQuality(),
	}
	if v := opts.Overlay.ConfThreshold; v != nil {
		r.conf = *v
	}
	if v := opts.Overlay.NMSIoU; v != nil {
		r.nmsIoU = *v
	}
	if v := opts.Overlay.MaskOpacity; v != nil {
		r.opacity = *v
	}
	if v := opts.Overlay.Draw; v != nil {
		r.draw = *v
	}
	return r, nil
}
