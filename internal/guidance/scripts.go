package guidance

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

// Script names that are not alert kinds.
const (
	ScriptWelcome  = "welcome"
	ScriptFarewell = "farewell"
)

// Step is one spoken line followed by a fixed pause. Say may reference
// event payload fields, e.g. {{.ppm}}.
type Step struct {
	Say   string        `yaml:"say"`
	Pause time.Duration `yaml:"pause,omitempty"`
}

type Script struct {
	Name  string `yaml:"-"`
	Steps []Step `yaml:"steps"`
}

// Duration is the sum of all pauses; speech time is not included.
func (s Script) Duration() time.Duration {
	var d time.Duration
	for _, st := range s.Steps {
		d += st.Pause
	}
	return d
}

// noValue is what text/template prints for a key missing from a map.
const noValue = "<no value>"

// Render expands the step text against payload. Keys missing from payload
// (or a nil payload) render as empty text.
func (st Step) Render(payload map[string]any) (string, error) {
	if !strings.Contains(st.Say, "{{") {
		return st.Say, nil
	}
	tmpl, err := template.New("step").Option("missingkey=zero").Parse(st.Say)
	if err != nil {
		return "", fmt.Errorf("parse step %q: %w", st.Say, err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, payload); err != nil {
		return "", fmt.Errorf("render step %q: %w", st.Say, err)
	}
	return strings.ReplaceAll(buf.String(), noValue, ""), nil
}

// Catalogue maps alert kinds (and welcome/farewell) to scripts.
type Catalogue struct {
	scripts map[string]Script
}

type catalogueFile struct {
	Scripts map[string]Script `yaml:"scripts"`
}

// DefaultCatalogue returns the built-in Spanish guidance scripts.
func DefaultCatalogue() *Catalogue {
	return newCatalogue(defaultScripts())
}

func newCatalogue(scripts map[string]Script) *Catalogue {
	c := &Catalogue{scripts: make(map[string]Script, len(scripts))}
	for name, s := range scripts {
		s.Name = name
		c.scripts[name] = s
	}
	return c
}

// LoadCatalogue reads a YAML catalogue and layers it over the defaults, so a
// file only needs the scripts it changes.
func LoadCatalogue(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scripts: %w", err)
	}
	return ParseCatalogue(data)
}

func ParseCatalogue(data []byte) (*Catalogue, error) {
	var f catalogueFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse scripts: %w", err)
	}
	merged := defaultScripts()
	for name, s := range f.Scripts {
		if len(s.Steps) == 0 {
			return nil, fmt.Errorf("script %s has no steps", name)
		}
		for i, st := range s.Steps {
			if strings.TrimSpace(st.Say) == "" {
				return nil, fmt.Errorf("script %s step %d has no text", name, i+1)
			}
			if st.Pause < 0 {
				return nil, fmt.Errorf("script %s step %d has a negative pause", name, i+1)
			}
			if _, err := template.New("check").Parse(st.Say); err != nil {
				return nil, fmt.Errorf("script %s step %d: %w", name, i+1, err)
			}
		}
		merged[name] = s
	}
	return newCatalogue(merged), nil
}

func (c *Catalogue) Lookup(name string) (Script, bool) {
	s, ok := c.scripts[name]
	return s, ok
}

func (c *Catalogue) Names() []string {
	names := make([]string, 0, len(c.scripts))
	for n := range c.scripts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// YAML renders the catalogue in the same shape LoadCatalogue reads.
func (c *Catalogue) YAML() ([]byte, error) {
	return yaml.Marshal(catalogueFile{Scripts: c.scripts})
}

func defaultScripts() map[string]Script {
	return map[string]Script{
		ScriptWelcome: {Steps: []Step{
			{Say: "Bienvenido al sistema de salud ocupacional. Tu sesión ha comenzado.", Pause: 2 * time.Second},
		}},
		ScriptFarewell: {Steps: []Step{
			{Say: "Sesión finalizada. Has trabajado {{.minutes}} minutos.", Pause: time.Second},
			{Say: "Que tengas un excelente día."},
		}},
		// alert followed by the 20-20-20 exercise
		"visual": {Steps: []Step{
			{Say: "Se han detectado signos de fatiga visual.", Pause: time.Second},
			{Say: "Descansa la vista mirando a lo lejos durante veinte segundos.", Pause: 7 * time.Second},
			{Say: "Ejercicio visual veinte, veinte, veinte.", Pause: 2 * time.Second},
			{Say: "Aparta la mirada de la pantalla.", Pause: 2 * time.Second},
			{Say: "Busca un objeto a seis metros de distancia.", Pause: 2 * time.Second},
			{Say: "Concéntrate en ese objeto durante veinte segundos.", Pause: 20 * time.Second},
			{Say: "Perfecto. Ejercicio completado."},
		}},
		// alert followed by the neck stretch
		"postural": {Steps: []Step{
			{Say: "Tu postura no es correcta.", Pause: time.Second},
			{Say: "Ajusta tu posición y realiza algunos estiramientos.", Pause: 7 * time.Second},
			{Say: "Estiramiento de cuello.", Pause: 2 * time.Second},
			{Say: "Inclina lentamente tu cabeza hacia el hombro derecho.", Pause: 3 * time.Second},
			{Say: "Mantén cinco segundos.", Pause: 5 * time.Second},
			{Say: "Regresa al centro.", Pause: 2 * time.Second},
			{Say: "Ahora inclina hacia el hombro izquierdo.", Pause: 3 * time.Second},
			{Say: "Mantén cinco segundos.", Pause: 5 * time.Second},
			{Say: "Regresa al centro. Ejercicio completado."},
		}},
		"environmental": {Steps: []Step{
			{Say: "Atención. Nivel de dióxido de carbono elevado: {{.ppm}} partes por millón.", Pause: time.Second},
			{Say: "Se recomienda mejorar la ventilación."},
		}},
		"cognitive": {Steps: []Step{
			{Say: "Has trabajado {{.minutes}} minutos sin descanso.", Pause: time.Second},
			{Say: "Es momento de tomar una pausa de cinco minutos."},
		}},
		"general_high_fatigue": {Steps: []Step{
			{Say: "Se detecta fatiga general alta.", Pause: time.Second},
			{Say: "Detén tu actividad y toma una pausa de cinco minutos."},
		}},
	}
}
