package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var (
	taskLine = regexp.MustCompile(`TASK_PRIME: (\d+)`)
	dataSeg  = regexp.MustCompile(`(?s)DATA_START\n(.*)\nDATA_END`)
	capWord  = regexp.MustCompile(`\b[A-Z][a-z]+\b`)
)

// MockClient is a deterministic in-process backend for tests and local
// development. It parses the task and data segment out of the protocol
// envelope and answers with a well-formed protocol string, with simple
// data-sensitive behaviors for sentiment, language detection, summaries
// and entity extraction. Behaviors can be overridden per task to simulate
// a misbehaving model.
type MockClient struct {
	mu sync.Mutex

	// Script overrides the response for a task. A script entry is
	// returned verbatim, malformed or not.
	Script map[int]string

	// Err, when set, fails every call. Simulates a dead backend.
	Err error

	// Calls counts Generate invocations.
	Calls int
}

// NewMockClient returns a mock with the default behaviors.
func NewMockClient() *MockClient {
	return &MockClient{}
}

var (
	negativeWords = regexp.MustCompile(`\b(hate|terrible|awful|worst|broken|useless)\b`)
	spanishWords  = regexp.MustCompile(`\b(hola|gracias|mundo|buenos|adios)\b`)
)

// canned maps task code to a fallback response used when no
// data-sensitive rule applies. Classification tasks answer bare codes,
// generative tasks carry a payload.
var canned = map[int]string{
	2:  "3-128", // positive sentiment, high confidence
	3:  "1-256 | A concise summary of the provided text.",
	5:  "17-128", // English
	7:  "1-256 | entities: none detected",
	11: "1-512 | The answer depends on additional context.",
	13: "9-256", // neutral classification
	17: "33-128 | Hola Mundo",
	19: "3-128",
	23: "1-256 | keywords: protocol, validation, gateway",
	29: "9-512",
}

// Generate implements the Client interface.
func (m *MockClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++

	if m.Err != nil {
		return "", m.Err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	task := 0
	if match := taskLine.FindStringSubmatch(prompt); match != nil {
		task, _ = strconv.Atoi(match[1])
	}

	if m.Script != nil {
		if resp, ok := m.Script[task]; ok {
			return resp, nil
		}
	}

	data := ""
	if match := dataSeg.FindStringSubmatch(prompt); match != nil {
		data = match[1]
	}
	if resp, ok := m.respond(task, data); ok {
		return resp, nil
	}
	// Unknown task prime: a correct model refuses with the invalid
	// task error code.
	return "1024", nil
}

// respond applies the data-sensitive rules, falling back to the canned
// table.
func (m *MockClient) respond(task int, data string) (string, bool) {
	lower := strings.ToLower(data)

	switch task {
	case 2: // sentiment
		if negativeWords.MatchString(lower) {
			return "5-128", true
		}
	case 3: // summarization by truncation
		words := strings.Fields(data)
		if len(words) > 8 {
			return fmt.Sprintf("1-256 | %s...", strings.Join(words[:8], " ")), true
		}
	case 5: // language detection
		if spanishWords.MatchString(lower) {
			return "33-128", true
		}
	case 7: // capitalized-token entity extraction
		if ents := capWord.FindAllString(data, 5); len(ents) > 0 {
			return fmt.Sprintf("1-256 | entities: %s", strings.Join(ents, ", ")), true
		}
	}

	resp, ok := canned[task]
	return resp, ok
}
