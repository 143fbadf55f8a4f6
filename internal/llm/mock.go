package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-interview/internal/protocol"
)

// mockGenerator answers question and validation prompts from a built-in
// question bank so the whole interview runs without a model.
type mockGenerator struct {
	delay time.Duration
}

func NewMockGenerator() Generator { return &mockGenerator{delay: 20 * time.Millisecond} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.delay):
	}

	var content string
	switch req.Purpose {
	case PurposeQuestion:
		content = mockQuestion(req.Prompt)
	case PurposeValidation:
		content = mockValidation(req.Prompt)
	default:
		content = "[mock completion for " + strings.TrimSpace(req.Prompt) + "]"
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   content,
		Latency:   m.delay,
	})
}

var mockBank = map[string][]protocol.Question{
	"computer science": {
		{
			Text:          "What is the time complexity of binary search on a sorted array?",
			SpokenText:    "What is the time complexity of binary search on a sorted array? Option A: O of n. Option B: O of log n. Option C: O of n squared. Option D: O of 1.",
			Options:       protocol.Options{A: "O(n)", B: "O(log n)", C: "O(n^2)", D: "O(1)"},
			CorrectAnswer: protocol.ChoiceB,
		},
		{
			Text:          "Which data structure follows the first in, first out principle?",
			Options:       protocol.Options{A: "Stack", B: "Tree", C: "Queue", D: "Graph"},
			CorrectAnswer: protocol.ChoiceC,
		},
		{
			Text:          "What does HTTP stand for?",
			Options:       protocol.Options{A: "HyperText Transfer Protocol", B: "High Transfer Text Protocol", C: "Hyperlink Transmission Tool Protocol", D: "Host Transfer Protocol"},
			CorrectAnswer: protocol.ChoiceA,
		},
		{
			Text:          "Which sorting algorithm has the best average case complexity?",
			Options:       protocol.Options{A: "Bubble sort", B: "Insertion sort", C: "Selection sort", D: "Merge sort"},
			CorrectAnswer: protocol.ChoiceD,
		},
		{
			Text:          "Which layer of the OSI model is responsible for routing?",
			Options:       protocol.Options{A: "Transport", B: "Network", C: "Data link", D: "Session"},
			CorrectAnswer: protocol.ChoiceB,
		},
		{
			Text:          "What is a deadlock?",
			Options:       protocol.Options{A: "A crashed process", B: "An infinite loop", C: "Processes waiting on each other forever", D: "A full disk"},
			CorrectAnswer: protocol.ChoiceC,
		},
	},
	"general knowledge": {
		{
			Text:          "What is the largest planet in our solar system?",
			Options:       protocol.Options{A: "Earth", B: "Saturn", C: "Jupiter", D: "Neptune"},
			CorrectAnswer: protocol.ChoiceC,
		},
		{
			Text:          "What is the chemical symbol for gold?",
			Options:       protocol.Options{A: "Au", B: "Ag", C: "Gd", D: "Go"},
			CorrectAnswer: protocol.ChoiceA,
		},
		{
			Text:          "How many continents are there on Earth?",
			Options:       protocol.Options{A: "Five", B: "Six", C: "Eight", D: "Seven"},
			CorrectAnswer: protocol.ChoiceD,
		},
		{
			Text:          "Which ocean is the largest?",
			Options:       protocol.Options{A: "Atlantic", B: "Pacific", C: "Indian", D: "Arctic"},
			CorrectAnswer: protocol.ChoiceB,
		},
		{
			Text:          "Who wrote Romeo and Juliet?",
			Options:       protocol.Options{A: "Charles Dickens", B: "Jane Austen", C: "William Shakespeare", D: "Mark Twain"},
			CorrectAnswer: protocol.ChoiceC,
		},
	},
}

func mockQuestion(prompt string) string {
	subject := quotedAfter(prompt, "focused on ")
	bank, ok := mockBank[strings.ToLower(subject)]
	if !ok {
		bank = mockBank["general knowledge"]
	}
	for _, q := range bank {
		if strings.Contains(prompt, q.Text) {
			continue
		}
		return encodeMockQuestion(q)
	}
	// Bank exhausted: make up a distinct question from the prompt size.
	n := strings.Count(prompt, "\n") + 1
	return encodeMockQuestion(protocol.Question{
		Text:          fmt.Sprintf("Mock question %d about %s: which option is labelled A?", n, subject),
		Options:       protocol.Options{A: "This one", B: "Not this one", C: "Nor this one", D: "None of these"},
		CorrectAnswer: protocol.ChoiceA,
	})
}

func encodeMockQuestion(q protocol.Question) string {
	if q.SpokenText == "" {
		q.SpokenText = q.Speakable()
	}
	data, _ := json.Marshal(map[string]any{"questions": []protocol.Question{q}})
	return string(data)
}

func mockValidation(prompt string) string {
	var (
		opts    protocol.Options
		correct protocol.ChoiceKey
		answer  string
	)
	scanner := bufio.NewScanner(strings.NewReader(prompt))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "Correct Answer:"):
			correct, _ = protocol.ParseChoiceKey(strings.TrimPrefix(line, "Correct Answer:"))
		case strings.HasPrefix(line, "User's Answer:"):
			answer = strings.Trim(strings.TrimSpace(strings.TrimPrefix(line, "User's Answer:")), `"`)
		case len(line) > 2 && line[1] == ':':
			if key, ok := protocol.ParseChoiceKey(line[:1]); ok {
				setOption(&opts, key, strings.TrimSpace(line[2:]))
			}
		}
	}

	ok := correct != "" && Grade(opts, correct, answer)
	verdict := map[string]any{"isCorrect": 0}
	if ok {
		verdict["isCorrect"] = 1
		verdict["feedback"] = fmt.Sprintf("Correct! The answer is %s: %s.", correct, opts.Get(correct))
	} else if correct != "" {
		verdict["feedback"] = fmt.Sprintf("Not quite. The correct answer is %s: %s.", correct, opts.Get(correct))
	} else {
		verdict["feedback"] = "I could not tell which answer was correct."
	}
	data, _ := json.Marshal(verdict)
	return string(data)
}

func setOption(opts *protocol.Options, key protocol.ChoiceKey, text string) {
	switch key {
	case protocol.ChoiceA:
		opts.A = text
	case protocol.ChoiceB:
		opts.B = text
	case protocol.ChoiceC:
		opts.C = text
	case protocol.ChoiceD:
		opts.D = text
	}
}

func quotedAfter(s, marker string) string {
	i := strings.Index(s, marker+`"`)
	if i < 0 {
		return ""
	}
	rest := s[i+len(marker)+1:]
	j := strings.Index(rest, `"`)
	if j < 0 {
		return ""
	}
	return rest[:j]
}
