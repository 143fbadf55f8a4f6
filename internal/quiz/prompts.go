package quiz

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-interview/internal/protocol"
)

const validationSystemPrompt = "You are a helpful teacher evaluating student answers. Always respond with valid JSON only."

func questionSystemPrompt(subject string) string {
	return fmt.Sprintf(`You are an expert interviewer creating multiple choice questions on %s. Always respond with valid JSON only. Return a JSON object with a "questions" key containing an array with exactly one question, where the question includes a "readableText" field for text-to-speech.`, subject)
}

func questionPrompt(subject string, previous []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate one multiple choice question (MCQ) specifically focused on %q.\n", subject)
	fmt.Fprintf(&b, "The question should be directly related to %s and test knowledge in that specific area.\n", subject)
	b.WriteString("The question should have:\n")
	fmt.Fprintf(&b, "1. A clear question about %s\n", subject)
	fmt.Fprintf(&b, "2. 4 options (A, B, C, D) all related to %s\n", subject)
	b.WriteString("3. The correct answer (A, B, C, or D)\n")
	b.WriteString("4. A readable text version for text-to-speech (natural, conversational format)\n")
	if len(previous) > 0 {
		b.WriteString("\nIMPORTANT: Do NOT repeat any of these previously asked questions:\n")
		for i, q := range previous {
			fmt.Fprintf(&b, "%d. %s\n", i+1, q)
		}
		b.WriteString("\nGenerate a NEW and DIFFERENT question that has NOT been asked before.\n")
	}
	fmt.Fprintf(&b, `Format the response as a JSON object with this structure:
{
  "questions": [
    {
      "question": "Question text about %s",
      "options": {"A": "Option A", "B": "Option B", "C": "Option C", "D": "Option D"},
      "correctAnswer": "A",
      "readableText": "Natural spoken version: Question text. Options: A, Option A. B, Option B. C, Option C. D, Option D."
    }
  ]
}
`, subject)
	b.WriteString(`The "readableText" field should be a natural, conversational version of the question and options that sounds good when spoken aloud.` + "\n")
	fmt.Fprintf(&b, `IMPORTANT: The question must be specifically about %s. Do not generate general knowledge questions unless the subject is "general knowledge".`, subject)
	if len(previous) > 0 {
		b.WriteString("\nCRITICAL: The new question must be completely different from all previously asked questions listed above.")
	}
	return b.String()
}

func validationPrompt(q protocol.Question, answer string) string {
	var b strings.Builder
	b.WriteString("You are evaluating an answer to a multiple choice question.\n\n")
	fmt.Fprintf(&b, "Question: %s\n\nOptions:\n", q.Text)
	for _, opt := range q.Options.Entries() {
		fmt.Fprintf(&b, "%s: %s\n", opt.Key, opt.Text)
	}
	fmt.Fprintf(&b, "\nCorrect Answer: %s\n\nUser's Answer: %s\n\n", q.CorrectAnswer, answer)
	b.WriteString(`Please evaluate if the user's answer is correct. Be flexible and consider:
1. The user might have said the option letter (A, B, C, or D) or the full option text
2. There might be typos, misspellings, or variations in the user's answer
3. Match the intent even if the spelling is slightly off (e.g., "opton A" should match "option A", "A" should match "A")
4. Consider phonetic similarities and common misspellings
5. If the user's answer clearly refers to the correct option (even with typos), mark it as correct

Examples:
- User says "A" or "option A" or "opton A" or "optin A" -> should match option A
- User says "B" or "option B" or "opton B" -> should match option B
- User says part of the option text (even with typos) -> match if it clearly refers to the correct option

Respond with a JSON object in this exact format:
{
  "isCorrect": 1 or 0 (1 if correct, 0 if incorrect),
  "feedback": "A brief, encouraging feedback message (1 sentences maximum)"
}`)
	return b.String()
}
