package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_DefaultsAreValid(t *testing.T) {
	p := DefaultGenerationParams()
	p.Prompt = "a cat walks"
	errs := p.Validate()
	assert.Empty(t, errs)
	require.NotNil(t, p.Seed, "a nil seed must be randomly assigned on successful validation")
}

func TestValidate_AccumulatesEveryViolation(t *testing.T) {
	p := GenerationParams{
		Prompt:            "",
		NumFrames:         0,
		NumInferenceSteps: 5,
		GuidanceScale:     50,
		FPS:               0,
		Width:             500,
		Height:            100,
		Priority:          20,
	}
	errs := p.Validate()
	// one violation per field above: prompt, num_frames, num_inference_steps,
	// guidance_scale, fps, width, height, priority
	assert.Len(t, errs, 8)
}

func TestValidate_NumFramesBoundaries(t *testing.T) {
	base := func() GenerationParams {
		p := DefaultGenerationParams()
		p.Prompt = "x"
		return p
	}

	p1 := base()
	p1.NumFrames = 1
	assert.Empty(t, p1.Validate())

	p2 := base()
	p2.NumFrames = 163
	assert.Empty(t, p2.Validate())

	p3 := base()
	p3.NumFrames = 0
	assert.NotEmpty(t, p3.Validate())

	p4 := base()
	p4.NumFrames = 164
	assert.NotEmpty(t, p4.Validate())
}

func TestValidate_WidthMustBeMultipleOf64(t *testing.T) {
	p := DefaultGenerationParams()
	p.Prompt = "x"
	p.Width = 500
	errs := p.Validate()
	require.NotEmpty(t, errs)
	assert.Equal(t, "width", errs[0].Field)
}

func TestValidate_PreservesExplicitSeed(t *testing.T) {
	p := DefaultGenerationParams()
	p.Prompt = "x"
	seed := int64(42)
	p.Seed = &seed
	errs := p.Validate()
	assert.Empty(t, errs)
	assert.Equal(t, int64(42), *p.Seed)
}

func TestValidate_SeedNotAssignedOnFailure(t *testing.T) {
	p := DefaultGenerationParams()
	p.Prompt = "" // invalid
	p.Validate()
	assert.Nil(t, p.Seed, "seed should not be randomly filled when validation fails")
}

func TestDecodeSubmitRequest_RejectsUnknownFields(t *testing.T) {
	_, err := DecodeSubmitRequest([]byte(`{"prompt":"x","bogus_field":1}`))
	assert.Error(t, err)
}

func TestDecodeSubmitRequest_FillsDefaults(t *testing.T) {
	params, err := DecodeSubmitRequest([]byte(`{"prompt":"a cat walks"}`))
	require.NoError(t, err)
	assert.Equal(t, 84, params.NumFrames)
	assert.Equal(t, 50, params.NumInferenceSteps)
	assert.Equal(t, 7.5, params.GuidanceScale)
	assert.Equal(t, 848, params.Width)
	assert.Equal(t, 480, params.Height)
}

func TestDecodeSubmitRequest_OverridesDefaults(t *testing.T) {
	params, err := DecodeSubmitRequest([]byte(`{"prompt":"x","num_frames":10,"priority":5}`))
	require.NoError(t, err)
	assert.Equal(t, 10, params.NumFrames)
	assert.Equal(t, 5, params.Priority)
}
