package aggregate

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed labels.yaml
var labelsYAML []byte

// LabelTables: таблицы соответствий для атмосферы комнаты.
type LabelTables struct {
	Defaults struct {
		Mood        string `yaml:"mood"`
		Lighting    string `yaml:"lighting"`
		Style       string `yaml:"style"`
		AmbientView string `yaml:"ambient_view"`
		TimeOfDay   string `yaml:"time_of_day"`
		RoomSize    string `yaml:"room_size"`
	} `yaml:"defaults"`
	StyleByMoodLighting map[string]string `yaml:"style_by_mood_lighting"`
	StyleByMood         map[string]string `yaml:"style_by_mood"`
	ViewByLocation      map[string]string `yaml:"view_by_location"`
	TimeByLighting      map[string]string `yaml:"time_by_lighting"`
}

var defaultTables = mustLoadTables(labelsYAML)

func mustLoadTables(data []byte) LabelTables {
	tables, err := ParseTables(data)
	if err != nil {
		panic(err)
	}
	return tables
}

// ParseTables разбирает YAML с таблицами меток.
func ParseTables(data []byte) (LabelTables, error) {
	var t LabelTables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return LabelTables{}, fmt.Errorf("parse label tables: %w", err)
	}
	if t.Defaults.Mood == "" || t.Defaults.Lighting == "" || t.Defaults.Style == "" ||
		t.Defaults.AmbientView == "" || t.Defaults.TimeOfDay == "" || t.Defaults.RoomSize == "" {
		return LabelTables{}, fmt.Errorf("parse label tables: defaults are incomplete")
	}
	return t, nil
}

// Style возвращает метку стиля по настроению и освещению.
func (t LabelTables) Style(mood, lighting string) string {
	if v, ok := t.StyleByMoodLighting[mood+"|"+lighting]; ok {
		return v
	}
	if v, ok := t.StyleByMood[mood]; ok {
		return v
	}
	return t.Defaults.Style
}

// AmbientView возвращает вид за окном по категории локации.
func (t LabelTables) AmbientView(location string) string {
	if v, ok := t.ViewByLocation[location]; ok {
		return v
	}
	return t.Defaults.AmbientView
}

// TimeOfDay возвращает время суток по освещению.
func (t LabelTables) TimeOfDay(lighting string) string {
	if v, ok := t.TimeByLighting[lighting]; ok {
		return v
	}
	return t.Defaults.TimeOfDay
}
