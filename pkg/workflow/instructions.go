package workflow

import (
	"fmt"
	"strings"

	"github.com/sceneweaver/sceneweaver/pkg/config"
	"github.com/sceneweaver/sceneweaver/pkg/models"
)

// Per-stage task instructions. The system prompt carries the role's standing
// behavior; these carry the per-session specifics.

func conceptInstructions(prompt string) string {
	return fmt.Sprintf("Write a concept document for this scene:\n\n%s", prompt)
}

func builderInstructions(prompt, feedback string, iter int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Build the geometry for this scene:\n\n%s\n", prompt)
	if iter > 1 && feedback != "" {
		fmt.Fprintf(&b, "\nThis is refinement pass %d. Address this review feedback:\n%s\n", iter, feedback)
	}
	return b.String()
}

func fanoutInstructions(role models.Role, prompt string) string {
	switch role {
	case models.RoleTexture:
		return fmt.Sprintf("Assign materials for this scene:\n\n%s", prompt)
	case models.RoleLighting:
		return fmt.Sprintf("Light this scene:\n\n%s", prompt)
	}
	return prompt
}

func validatorInstructions() string {
	return "Check the object transforms in shared context for intersections " +
		"and floating objects; emit minimal corrective transforms."
}

func renderInstructions(prompt string) string {
	return fmt.Sprintf("Set up the camera to frame this scene:\n\n%s", prompt)
}

func animationInstructions(cfg config.AnimationConfig) string {
	return fmt.Sprintf("Animate the scene over frames 1..%d at %d fps.", cfg.Frames, cfg.FPS)
}

func reviewerInstructions(prompt, renderPath, executorOutput string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the rendered scene against the request:\n\n%s\n", prompt)
	fmt.Fprintf(&b, "\nRender image: %s\n", renderPath)
	if executorOutput != "" {
		fmt.Fprintf(&b, "\nBlender output (tail):\n%s\n", executorOutput)
	}
	return b.String()
}
