// Package summary renders GitHub webhook payloads as short Telegram HTML
// messages. Every field is optional; missing data degrades to a shorter
// line, never to an error.
package summary

import (
	"fmt"
	"html"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

const (
	maxCommits   = 5
	maxLine      = 120
	maxExcerpt   = 200
	maxSubject   = 160
	unknownActor = "unknown"
)

type handler func(p gjson.Result) string

// Summarize returns the message for one delivery. Event names are matched
// case-insensitively; unknown events get a generic line.
func Summarize(event string, payload []byte) (text string) {
	key := strings.ToLower(strings.TrimSpace(event))
	p := gjson.ParseBytes(payload)

	h, ok := handlers[key]
	if !ok {
		return fallback(key, p)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Str("event", key).Msg("summary handler panicked")
			text = fallback(key, p)
		}
	}()
	return h(p)
}

// RepoName returns repository.full_name, falling back to repository.name.
func RepoName(payload []byte) string {
	return repo(gjson.ParseBytes(payload))
}

func esc(s string) string {
	return html.EscapeString(s)
}

func code(s string) string {
	return "<code>" + esc(s) + "</code>"
}

func bold(s string) string {
	return "<b>" + esc(s) + "</b>"
}

func link(url, label string) string {
	if url == "" {
		return ""
	}
	if label == "" {
		label = url
	}
	return `<a href="` + esc(url) + `">` + esc(label) + `</a>`
}

func firstLine(s string, limit int) string {
	line, _, _ := strings.Cut(s, "\n")
	line = strings.TrimRight(line, "\r")
	if r := []rune(line); len(r) > limit {
		return string(r[:limit])
	}
	return line
}

func truncate(s string, limit int) string {
	if r := []rune(s); len(r) > limit {
		return string(r[:limit-3]) + "..."
	}
	return s
}

// first returns the first non-empty string among paths.
func first(p gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := p.Get(path); v.Exists() && v.Type != gjson.JSON {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func actor(p gjson.Result) string {
	if a := first(p,
		"sender.login", "sender.name",
		"user.login", "user.name",
		"actor.login", "actor.name",
		"pusher.name", "pusher.email",
		"installation.account.login", "installation.account.name",
	); a != "" {
		return a
	}
	return unknownActor
}

func repo(p gjson.Result) string {
	return first(p, "repository.full_name", "repository.name")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func prettyLabel(event string) string {
	words := strings.Fields(strings.ReplaceAll(event, "_", " "))
	if len(words) == 0 {
		return "Event"
	}
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// mainLine renders "<b>Label</b>: subject <b>action</b> in <code>repo</code> by <b>actor</b>".
func mainLine(label, subject, action, repoName, actorName string) string {
	var b strings.Builder
	b.WriteString(bold(label))
	if subject != "" {
		b.WriteString(": " + esc(subject))
	}
	if action != "" {
		b.WriteString(" " + bold(action))
	}
	if repoName != "" {
		b.WriteString(" in " + code(repoName))
	}
	if actorName != "" && actorName != unknownActor {
		b.WriteString(" by " + bold(actorName))
	}
	return b.String()
}

// refLine is the common head for events about a numbered issue or PR.
func refLine(label, repoName, number, action, actorName string) string {
	return fmt.Sprintf("%s %s #%s %s by %s", bold(label), code(orDefault(repoName, "?")), esc(orDefault(number, "?")), bold(action), bold(actorName))
}

var subjectNames = []string{"title", "name", "login", "slug", "ref", "branch", "tag", "tag_name", "environment", "key", "pattern", "sha", "node_id", "id", "number"}

var subjectURLs = []string{"html_url", "url", "target_url", "links.html", "links.self"}

// generic builds a handler that describes the object at subjectPath with
// the first usable name field.
func generic(label, subjectPath string, nameFields ...string) handler {
	if len(nameFields) == 0 {
		nameFields = subjectNames
	}
	return func(p gjson.Result) string {
		var name, url string
		if subjectPath != "" {
			subject := p.Get(subjectPath)
			if subject.IsObject() {
				for _, f := range nameFields {
					if s := first(subject, f); s != "" {
						name = s
						if f == "number" && !strings.HasPrefix(name, "#") {
							name = "#" + name
						}
						break
					}
				}
				url = first(subject, subjectURLs...)
			} else if subject.Exists() {
				name = subject.String()
			}
		}
		lines := []string{mainLine(label, truncate(name, maxSubject), first(p, "action"), repo(p), actor(p))}
		if url != "" {
			lines = append(lines, link(url, "View details"))
		}
		return strings.Join(lines, "\n")
	}
}

func fallback(event string, p gjson.Result) string {
	line := bold(prettyLabel(orDefault(event, "event"))) + " event"
	if r := repo(p); r != "" {
		line += " for " + code(r)
	}
	return line + " by " + bold(actor(p))
}

func joinLines(lines ...string) string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
