// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package logger provides small leveled, component-tagged console logging
// used throughout the dispatch fabric. Every call site names the subsystem
// emitting the line (e.g. "telegram", "provider", "cron") so operators can
// grep a single component's output out of a mixed log stream.
package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
)

// Level controls which severities are actually written.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu        sync.Mutex
	minLevel  = LevelInfo
	std       = log.New(os.Stderr, "", log.LstdFlags)
	levelName = map[Level]string{
		LevelDebug: "DEBUG",
		LevelInfo:  "INFO",
		LevelWarn:  "WARN",
		LevelError: "ERROR",
	}
)

// SetLevel adjusts the minimum level written. Anything below it is dropped.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

func write(level Level, component, msg string, fields map[string]interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if level < minLevel {
		return
	}

	line := fmt.Sprintf("[%s] [%s] %s", levelName[level], component, msg)
	if len(fields) > 0 {
		line += " " + formatFields(fields)
	}
	std.Println(line)
}

func formatFields(fields map[string]interface{}) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := "{"
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += k + "=" + formatValue(fields[k])
	}
	out += "}"
	return out
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case error:
		return val.Error()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// DebugC logs a component-tagged debug message.
func DebugC(component, msg string) { write(LevelDebug, component, msg, nil) }

// DebugCF logs a component-tagged debug message with structured fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	write(LevelDebug, component, msg, fields)
}

// InfoC logs a component-tagged info message.
func InfoC(component, msg string) { write(LevelInfo, component, msg, nil) }

// InfoCF logs a component-tagged info message with structured fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	write(LevelInfo, component, msg, fields)
}

// WarnC logs a component-tagged warning.
func WarnC(component, msg string) { write(LevelWarn, component, msg, nil) }

// WarnCF logs a component-tagged warning with structured fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	write(LevelWarn, component, msg, fields)
}

// ErrorC logs a component-tagged error message.
func ErrorC(component, msg string) { write(LevelError, component, msg, nil) }

// ErrorCF logs a component-tagged error message with structured fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	write(LevelError, component, msg, fields)
}
