package model

import (
	"fmt"
	"strings"
)

// ContentKind selects the content-specific stage of the fire-control pipeline.
type ContentKind int

const (
	ContentAlert ContentKind = iota
	ContentURL
	ContentHTML
	ContentVideo
	ContentImage
	ContentPass
	ContentTag
	ContentSound
	ContentCustom
)

var contentKindNames = map[ContentKind]string{
	ContentAlert:  "alert",
	ContentURL:    "url",
	ContentHTML:   "html",
	ContentVideo:  "video",
	ContentImage:  "image",
	ContentPass:   "pass",
	ContentTag:    "tag",
	ContentSound:  "sound",
	ContentCustom: "custom",
}

func (k ContentKind) String() string {
	if name, ok := contentKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ContentKind(%d)", int(k))
}

// MarshalText renders the content kind as its lowercase name.
func (k ContentKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a content kind name.
func (k *ContentKind) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for kind, n := range contentKindNames {
		if n == name {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("%w: content kind %q", ErrInvalidArgument, string(text))
}

// FireSituation is the context in which an action fires. A single firing has exactly one.
type FireSituation int

const (
	FiredByProximity FireSituation = iota
	FiredByPushClicked
)

func (s FireSituation) String() string {
	if s == FiredByPushClicked {
		return "push_clicked"
	}
	return "proximity"
}

// MarshalText renders the situation as its name.
func (s FireSituation) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Action is content or a notification surfaced in response to a region event.
// Values are immutable once constructed; copy freely.
type Action struct {
	ID              string      `json:"id" yaml:"id"`
	Caption         string      `json:"caption" yaml:"caption"`
	Content         string      `json:"content" yaml:"content"`
	BackgroundAlert string      `json:"background_alert,omitempty" yaml:"background_alert"`
	Kind            ContentKind `json:"kind" yaml:"kind"`
	// Trigger holds the custom trigger attribute for conditionally scheduled actions.
	Trigger string `json:"trigger,omitempty" yaml:"trigger"`
}

// NewAction validates and builds an action.
func NewAction(id, caption, content string, kind ContentKind) (Action, error) {
	if strings.TrimSpace(id) == "" {
		return Action{}, fmt.Errorf("%w: empty action id", ErrInvalidArgument)
	}
	return Action{ID: id, Caption: caption, Content: content, Kind: kind}, nil
}

// WithBackgroundAlert returns a copy of the action carrying a background alert text.
func (a Action) WithBackgroundAlert(text string) Action {
	a.BackgroundAlert = text
	return a
}

// WithTrigger returns a copy of the action scheduled behind a custom trigger attribute.
func (a Action) WithTrigger(attr string) Action {
	a.Trigger = attr
	return a
}

// Conditional reports whether the action must pass a custom trigger evaluation first.
func (a Action) Conditional() bool {
	return a.Trigger != ""
}

// Tag splits a tag action's content of the form "name=value". A bare name yields an empty value.
func (a Action) Tag() (name, value string, err error) {
	if a.Kind != ContentTag {
		return "", "", fmt.Errorf("%w: action %s is not a tag action", ErrInvalidArgument, a.ID)
	}
	name, value, _ = strings.Cut(a.Content, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", fmt.Errorf("%w: action %s has empty tag name", ErrInvalidArgument, a.ID)
	}
	return name, strings.TrimSpace(value), nil
}
