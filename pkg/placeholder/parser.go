// Package placeholder substitutes %key% tokens in command strings.
package placeholder

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var (
	placeholderPattern = regexp.MustCompile(`%([^%]+)%`)
	argIndexPattern    = regexp.MustCompile(`%arg\[(\d+)\]%`)
)

// Parser holds a placeholder context and applies it to command strings.
// Positional tokens %arg[N]% and the catch-all %args% are resolved from the
// argument slice instead of the context.
type Parser struct {
	mu           sync.RWMutex
	placeholders map[string]string
}

func New() *Parser {
	return &Parser{placeholders: make(map[string]string)}
}

// Add registers or updates a placeholder, e.g. "%player%".
func (p *Parser) Add(placeholder, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.placeholders[placeholder] = value
}

// Remove drops a placeholder from the context.
func (p *Parser) Remove(placeholder string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.placeholders, placeholder)
}

// Clear drops every placeholder from the context.
func (p *Parser) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.placeholders = make(map[string]string)
}

// Parse replaces context placeholders plus %args% and %arg[N]% tokens.
// Tokens that cannot be resolved are left in place; Validate reports them.
func (p *Parser) Parse(command string, args []string) string {
	p.mu.RLock()
	for placeholder, value := range p.placeholders {
		command = strings.ReplaceAll(command, placeholder, value)
	}
	p.mu.RUnlock()

	command = strings.ReplaceAll(command, "%args%", strings.Join(args, " "))

	return argIndexPattern.ReplaceAllStringFunc(command, func(match string) string {
		idx, err := strconv.Atoi(argIndexPattern.FindStringSubmatch(match)[1])
		if err != nil || idx >= len(args) {
			return match
		}

		return args[idx]
	})
}

// Result reports a parsed command and the placeholders left unresolved.
type Result struct {
	Parsed     string
	Unresolved []string
	Valid      bool
}

// Validate parses the command and reports every placeholder that had no
// value in the context or the argument slice.
func (p *Parser) Validate(command string, args []string) Result {
	var unresolved []string

	for _, ph := range findAll(command) {
		if ph == "%args%" {
			continue
		}

		if sub := argIndexPattern.FindStringSubmatch(ph); sub != nil {
			idx, err := strconv.Atoi(sub[1])
			if err != nil || idx >= len(args) {
				unresolved = append(unresolved, ph)
			}

			continue
		}

		p.mu.RLock()
		_, ok := p.placeholders[ph]
		p.mu.RUnlock()

		if !ok {
			unresolved = append(unresolved, ph)
		}
	}

	return Result{
		Parsed:     p.Parse(command, args),
		Unresolved: unresolved,
		Valid:      len(unresolved) == 0,
	}
}

// findAll returns the distinct placeholders in command, in order of first
// appearance.
func findAll(command string) []string {
	seen := make(map[string]struct{})

	var found []string

	for _, match := range placeholderPattern.FindAllString(command, -1) {
		if _, ok := seen[match]; ok {
			continue
		}

		seen[match] = struct{}{}
		found = append(found, match)
	}

	return found
}
