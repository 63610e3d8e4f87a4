package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed default_profile.yaml
var defaultProfile []byte

// TutorProfile describes the tutor persona and the audio format of a session
type TutorProfile struct {
	Name         string       `yaml:"name"`
	Language     string       `yaml:"language"`
	Voice        string       `yaml:"voice"`
	LiveModel    string       `yaml:"live_model"`
	ChatModel    string       `yaml:"chat_model"`
	Audio        AudioProfile `yaml:"audio"`
	VoicePersona string       `yaml:"voice_persona"`
	ChatPersona  string       `yaml:"chat_persona"`
	Fallbacks    []string     `yaml:"fallbacks"`

	voiceTmpl *template.Template
	chatTmpl  *template.Template
}

// AudioProfile contains audio format parameters
type AudioProfile struct {
	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`
	FrameSize        int `yaml:"frame_size"`       // samples
	PlaybackLeadMS   int `yaml:"playback_lead_ms"` // how early audio is released to the client
}

// PersonaContext is the data a persona template is rendered with
type PersonaContext struct {
	TutorName   string
	StudentName string
	Subject     string
	Modules     []string
}

var templateFuncs = template.FuncMap{"join": strings.Join}

// DefaultProfile returns the embedded profile.
func DefaultProfile() (*TutorProfile, error) {
	return parseProfile(defaultProfile, "default profile")
}

// LoadProfile reads a profile from path; an empty path yields the default.
func LoadProfile(path string) (*TutorProfile, error) {
	if path == "" {
		return DefaultProfile()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tutor profile %s: %w", path, err)
	}
	return parseProfile(data, path)
}

func parseProfile(data []byte, name string) (*TutorProfile, error) {
	var p TutorProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse tutor profile %s: %w", name, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("tutor profile %s: %w", name, err)
	}
	return &p, nil
}

// Validate checks the profile and compiles its persona templates
func (p *TutorProfile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if p.Voice == "" {
		return fmt.Errorf("voice cannot be empty")
	}
	if p.LiveModel == "" {
		return fmt.Errorf("live_model cannot be empty")
	}
	if err := p.Audio.Validate(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}

	var err error
	if p.voiceTmpl, err = template.New("voice_persona").Funcs(templateFuncs).Parse(p.VoicePersona); err != nil {
		return fmt.Errorf("voice_persona: %w", err)
	}
	if p.chatTmpl, err = template.New("chat_persona").Funcs(templateFuncs).Parse(p.ChatPersona); err != nil {
		return fmt.Errorf("chat_persona: %w", err)
	}
	return nil
}

// Validate validates audio configuration
func (a *AudioProfile) Validate() error {
	validRates := map[int]bool{8000: true, 16000: true, 24000: true, 44100: true, 48000: true}
	if !validRates[a.InputSampleRate] {
		return fmt.Errorf("input_sample_rate must be one of 8000, 16000, 24000, 44100, 48000, got %d", a.InputSampleRate)
	}
	if !validRates[a.OutputSampleRate] {
		return fmt.Errorf("output_sample_rate must be one of 8000, 16000, 24000, 44100, 48000, got %d", a.OutputSampleRate)
	}
	if a.FrameSize < 256 || a.FrameSize > 16384 {
		return fmt.Errorf("frame_size must be between 256 and 16384, got %d", a.FrameSize)
	}
	if a.PlaybackLeadMS < 0 || a.PlaybackLeadMS > 2000 {
		return fmt.Errorf("playback_lead_ms must be between 0 and 2000, got %d", a.PlaybackLeadMS)
	}
	return nil
}

// RenderVoicePersona renders the live session system instruction.
func (p *TutorProfile) RenderVoicePersona(pc PersonaContext) (string, error) {
	return p.render(p.voiceTmpl, pc)
}

// RenderChatPersona renders the text chat system instruction.
func (p *TutorProfile) RenderChatPersona(pc PersonaContext) (string, error) {
	return p.render(p.chatTmpl, pc)
}

func (p *TutorProfile) render(tmpl *template.Template, pc PersonaContext) (string, error) {
	if tmpl == nil {
		return "", fmt.Errorf("tutor profile is not validated")
	}
	if pc.TutorName == "" {
		pc.TutorName = p.Name
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, pc); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", tmpl.Name(), err)
	}
	return strings.TrimSpace(sb.String()), nil
}
