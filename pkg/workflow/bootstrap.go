package workflow

import (
	"fmt"
	"strings"

	"github.com/sceneweaver/sceneweaver/pkg/config"
)

// The combined script is always bootstrap header + per-stage fragments in
// stage order + the save fragment. The header owns scene reset and render
// configuration so agent fragments never fight over them; the save fragment
// owns the render call and the .blend save so every successful execution
// leaves both artifacts behind.

// buildHeader renders the deterministic bootstrap header for one iteration.
// The animation flag reflects the session's role set, not just the process
// configuration.
func buildHeader(cfg *config.Config, renderPath string, animation bool) string {
	var b strings.Builder
	b.WriteString("import bpy\n")
	b.WriteString("import math\n\n")
	b.WriteString("# Reset to an empty scene so repeated runs are reproducible.\n")
	b.WriteString("bpy.ops.wm.read_factory_settings(use_empty=True)\n\n")
	b.WriteString("scene = bpy.context.scene\n")
	fmt.Fprintf(&b, "scene.render.engine = %q\n", cfg.Render.Engine)
	if cfg.Render.Engine == "CYCLES" {
		fmt.Fprintf(&b, "scene.cycles.samples = %d\n", cfg.Render.Samples)
	}
	fmt.Fprintf(&b, "scene.render.resolution_x = %d\n", cfg.Render.ResolutionX)
	fmt.Fprintf(&b, "scene.render.resolution_y = %d\n", cfg.Render.ResolutionY)
	b.WriteString("scene.render.image_settings.file_format = \"PNG\"\n")
	fmt.Fprintf(&b, "scene.render.filepath = %q\n", renderPath)
	if animation {
		b.WriteString("scene.frame_start = 1\n")
		fmt.Fprintf(&b, "scene.frame_end = %d\n", cfg.Animation.Frames)
		fmt.Fprintf(&b, "scene.render.fps = %d\n", cfg.Animation.FPS)
	}
	b.WriteString("\n")
	return b.String()
}

// buildSaveFragment renders the deterministic trailer: render the frame and
// persist the .blend file.
func buildSaveFragment(blendPath string) string {
	var b strings.Builder
	b.WriteString("bpy.context.view_layer.update()\n")
	b.WriteString("bpy.ops.render.render(write_still=True)\n")
	fmt.Fprintf(&b, "bpy.ops.wm.save_as_mainfile(filepath=%q)\n", blendPath)
	return b.String()
}
