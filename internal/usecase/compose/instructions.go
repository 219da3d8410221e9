package compose

import (
	"fmt"
	"strings"

	"instaroom/internal/domain"
)

func writeAtmosphere(b *strings.Builder, atm domain.Atmosphere) {
	fmt.Fprintf(b, "Style: %s\n", humanize(atm.Style))
	fmt.Fprintf(b, "Mood: %s, lighting: %s, time of day: %s\n", atm.Mood, humanize(atm.Lighting), atm.TimeOfDay)
	if len(atm.Palette) > 0 {
		fmt.Fprintf(b, "Palette: %s\n", strings.Join(atm.Palette, ", "))
	}
	fmt.Fprintf(b, "View through the window: %s\n", humanize(atm.AmbientView))
	fmt.Fprintf(b, "Room size: %s\n", atm.RoomSize)
}

func writeObjects(b *strings.Builder, objects []domain.ScoredObject) {
	for i, obj := range objects {
		fmt.Fprintf(b, "%d. %s (importance %.2f)", i+1, obj.Name, obj.Importance)
		if obj.Description != "" {
			fmt.Fprintf(b, ": %s", obj.Description)
		}
		b.WriteString("\n")
	}
}

func layoutInstruction(profile domain.AggregatedProfile, focus []domain.ScoredObject, retry bool) string {
	var b strings.Builder
	b.WriteString("Plan the layout of a single room that reflects this person.\n\n")
	if profile.PersonaSummary != "" {
		fmt.Fprintf(&b, "Persona: %s\n", profile.PersonaSummary)
	}
	writeAtmosphere(&b, profile.Atmosphere)
	b.WriteString("\nObjects that must appear, most important first:\n")
	writeObjects(&b, focus)

	if len(profile.Highlights) > 0 {
		fmt.Fprintf(&b, "\n%d framed photos must hang on walls that the camera sees:\n", len(profile.Highlights))
		for i, h := range profile.Highlights {
			fmt.Fprintf(&b, "%d. %s\n", i+1, h.Description)
		}
	} else {
		b.WriteString("\nDo not plan any framed photos or wall artwork.\n")
	}

	b.WriteString("\nThe image is rendered from ONE camera position. Every listed object must be inside its field of view.\n")
	if retry {
		b.WriteString("A previous plan left objects out of frame. Use a wider viewpoint and keep only the objects listed above.\n")
	}
	b.WriteString(`
Respond with JSON:
{"room_shape": "...", "window_placement": "...", "furniture": ["..."],
 "object_placements": [{"object": "<name from the list>", "placement": "..."}],
 "highlight_placements": ["<wall position per framed photo, in order>"],
 "visual_flow": "what the eye sees first when entering",
 "camera_position": "...", "camera_direction": "...",
 "visible_objects": ["<names from the list that are inside the camera frame>"]}`)
	return b.String()
}

func detailsInstruction(profile domain.AggregatedProfile, focus []domain.ScoredObject, layout domain.LayoutPlan) string {
	var b strings.Builder
	b.WriteString("Describe each object as it should look in the room: material, finish, color and how it fits the layout.\n\n")
	writeAtmosphere(&b, profile.Atmosphere)
	fmt.Fprintf(&b, "\nRoom shape: %s\nCamera: %s, looking %s\n", layout.Shape, layout.CameraPosition, layout.CameraDirection)
	if len(layout.ObjectPlacements) > 0 {
		b.WriteString("Planned placements:\n")
		for _, p := range layout.ObjectPlacements {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	b.WriteString("\nObjects:\n")
	writeObjects(&b, focus)
	b.WriteString(`
Respond with JSON:
{"objects": [{"name": "<name from the list>", "placement": "...", "description": "one or two sentences"}]}`)
	return b.String()
}

func compositeInstruction(profile domain.AggregatedProfile, focus []domain.ScoredObject, layout domain.LayoutPlan, details []domain.ObjectDetail, highlightNotes []string, refs ReferenceSet) string {
	var b strings.Builder
	b.WriteString("Write one image generation prompt for a photorealistic interior render of this room.\n\n")
	writeAtmosphere(&b, profile.Atmosphere)
	fmt.Fprintf(&b, "\nLayout: %s room. Window: %s. Furniture: %s.\n", layout.Shape, layout.OpeningPlacement, strings.Join(layout.Furniture, ", "))
	fmt.Fprintf(&b, "Camera: %s, looking %s. Entry sightline: %s.\n", layout.CameraPosition, layout.CameraDirection, layout.Sightline)

	b.WriteString("\nObjects:\n")
	for _, d := range details {
		fmt.Fprintf(&b, "- %s at %s: %s", d.Name, d.Placement, d.Description)
		if idx, ok := refs.ObjectRefs[d.Name]; ok {
			fmt.Fprintf(&b, " [reference image %d]", idx)
		}
		b.WriteString("\n")
	}

	if len(highlightNotes) > 0 {
		b.WriteString("\nWall art:\n")
		for _, n := range highlightNotes {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	} else {
		b.WriteString("\nNo framed photos or wall artwork.\n")
	}

	if len(refs.Items) > 0 {
		fmt.Fprintf(&b, "\n%d reference images are attached, numbered 1 to %d. ", len(refs.Items), len(refs.Items))
		b.WriteString("Refer to them only as \"reference image N\" using these numbers, never by free-text description.\n")
	}
	fmt.Fprintf(&b, "All %d objects must be visible from the single camera position.\n", len(focus))
	b.WriteString("Return only the prompt text.")
	return b.String()
}

func spatialInstruction(profile domain.AggregatedProfile, plan domain.PromptPlan) string {
	var b strings.Builder
	b.WriteString("Describe the geometry of this room for a 3D world generator in two or three sentences: ")
	b.WriteString("walls, floor, ceiling height, depth, where furniture stands. No colors or moods.\n\n")
	fmt.Fprintf(&b, "Room size: %s\nRoom shape: %s\nWindow: %s\n", profile.Atmosphere.RoomSize, plan.Layout.Shape, plan.Layout.OpeningPlacement)
	if len(plan.Layout.Furniture) > 0 {
		fmt.Fprintf(&b, "Furniture: %s\n", strings.Join(plan.Layout.Furniture, ", "))
	}
	for _, p := range plan.Layout.ObjectPlacements {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	return b.String()
}
