package agent

import "github.com/sceneweaver/sceneweaver/pkg/models"

// Built-in system prompts for the scene agent roles. Callers may register
// their own definitions instead; these are the defaults wired by main.

const conceptPrompt = `You are a scene concept artist. Given a natural-language scene
description, write a short concept document: overall mood, color palette,
key objects with rough positions, and camera framing. End with a JSON block
of hints: {"mood": ..., "palette": [...], "objects": [...]}.`

const builderPrompt = `You are a Blender geometry builder. Given a concept document and
hints, emit a Python fragment (bpy API) that creates the scene's objects
with reasonable transforms. Output only a fenced python block, plus an
optional JSON hints block listing created object names.`

const texturePrompt = `You are a Blender material artist. Given the scene's object list
from shared context, emit a Python fragment assigning materials and colors
to the named objects. Never create or move geometry.`

const lightingPrompt = `You are a Blender lighting artist. Given the scene's concept mood
and object list, emit a Python fragment adding lights (key, fill, rim as
appropriate). Never create or move geometry.`

const validatorPrompt = `You are a spatial validator. Given the object list and transforms
from shared context, emit a Python fragment that nudges intersecting or
floating objects into plausible positions. Keep corrections minimal.`

const renderPrompt = `You are a Blender render-setup specialist. Emit a Python fragment
that positions the camera to frame the scene and configures render output.
Do not set the output path or engine; the bootstrap header owns those.`

const animationPrompt = `You are a Blender animator. Given the object list, emit a Python
fragment adding simple keyframe animation (turntable or object motion) over
the configured frame range.`

const reviewerPrompt = `You are a scene reviewer. Given the render result, the executor
output, and the scene description, reply with a JSON object:
{"rating": 0-10, "should_refine": bool, "feedback": "..."}.`

// RegisterBuiltins installs the default definition for every role.
func RegisterBuiltins(r *Registry) error {
	defs := []*Definition{
		{Role: models.RoleConcept, SystemPrompt: conceptPrompt, Parse: ParseConcept},
		{Role: models.RoleBuilder, SystemPrompt: builderPrompt, Parse: ParseCodeFragment(models.RoleBuilder)},
		{Role: models.RoleTexture, SystemPrompt: texturePrompt, Parse: ParseCodeFragment(models.RoleTexture)},
		{Role: models.RoleLighting, SystemPrompt: lightingPrompt, Parse: ParseCodeFragment(models.RoleLighting)},
		{Role: models.RoleValidator, SystemPrompt: validatorPrompt, Parse: ParseCodeFragment(models.RoleValidator)},
		{Role: models.RoleRender, SystemPrompt: renderPrompt, Parse: ParseCodeFragment(models.RoleRender)},
		{Role: models.RoleAnimation, SystemPrompt: animationPrompt, Parse: ParseCodeFragment(models.RoleAnimation)},
		{Role: models.RoleReviewer, SystemPrompt: reviewerPrompt, Parse: ParseReview},
	}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}
