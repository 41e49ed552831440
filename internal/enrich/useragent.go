// Package enrich derives structured device and browser context from the
// raw request. The assembled maps are defaults only; explicit fields sent
// by the caller override them.
package enrich

import (
	"github.com/mileusna/useragent"
)

// Context carries the parsed user-agent attributes grouped the way they
// appear in the enriched record. Groups the parser cannot supply (cpu and
// engine with this parser) stay empty and remain overridable.
type Context struct {
	OS      map[string]any
	CPU     map[string]any
	Engine  map[string]any
	Browser map[string]any
	Device  map[string]any
}

// Parse inspects a user-agent string. Device "type" is only set when the
// parser positively identifies mobile, tablet or bot hardware; absent
// types are defaulted downstream.
func Parse(rawUA string) *Context {
	ua := useragent.Parse(rawUA)

	device := map[string]any{}
	if ua.Device != "" {
		device["model"] = ua.Device
	}
	switch {
	case ua.Mobile:
		device["type"] = "mobile"
	case ua.Tablet:
		device["type"] = "tablet"
	case ua.Bot:
		device["type"] = "bot"
	}

	osAttrs := map[string]any{}
	if ua.OS != "" {
		osAttrs["name"] = ua.OS
	}
	if ua.OSVersion != "" {
		osAttrs["version"] = ua.OSVersion
	}

	browser := map[string]any{}
	if ua.Name != "" {
		browser["name"] = ua.Name
	}
	if ua.Version != "" {
		browser["version"] = ua.Version
	}

	return &Context{
		OS:      osAttrs,
		CPU:     map[string]any{},
		Engine:  map[string]any{},
		Browser: browser,
		Device:  device,
	}
}
