// Package persona composes the system instructions for a tutoring session.
//
// There are two personas. In Tutor Mode the model teaches a lesson in the
// learner's native language and ends every turn with exactly one repeat
// instruction. In Roleplay Mode it plays a character in the learning
// language only, never corrects, keeps replies short and ends every turn with
// a question.
//
// Composition is pure: no I/O, no errors, safe for concurrent use. Callers
// are responsible for supplying a validated profile.
package persona

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/MrWong99/linguavox/internal/tutor"
)

// Compose returns the instructions for s based on its mode. A session
// without the lesson or scenario its mode requires gets an empty one.
func Compose(s *tutor.Session) string {
	if s.Mode == tutor.ModeRoleplay {
		var sc tutor.Scenario
		if s.Scenario != nil {
			sc = *s.Scenario
		}
		return ForScenario(s.Profile, sc)
	}
	var l tutor.Lesson
	if s.Lesson != nil {
		l = *s.Lesson
	}
	return ForLesson(s.Profile, l)
}

// ForLesson returns the Tutor Mode instructions for teaching lesson.
func ForLesson(p tutor.Profile, lesson tutor.Lesson) string {
	native := LanguageName(p.NativeLanguage)
	target := LanguageName(p.LearningLanguage)

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are a patient, encouraging %s tutor speaking with a learner whose native language is %s.", target, native)

	sb.WriteString("\n\n## Lesson\n")
	writeField(&sb, "Title", lesson.Title)
	writeField(&sb, "Description", lesson.Description)

	sb.WriteString("\n## Learner\n")
	fmt.Fprintf(&sb, "Native language: %s\nLearning: %s\nLevel: %s\n", native, target, levelGuidance(p.Level))

	sb.WriteString("\n## Rules\n")
	fmt.Fprintf(&sb, "- Speak %s for every instruction, explanation and piece of encouragement.\n", native)
	fmt.Fprintf(&sb, "- Use %s only for the practice content itself.\n", target)
	sb.WriteString("- Introduce one word, phrase or expression at a time, in the order the lesson needs.\n")
	sb.WriteString("- End every turn with exactly one instruction to repeat the practice content, naming that content once.\n")
	sb.WriteString("- Never end a turn without giving the learner their next action.\n")
	sb.WriteString("- Your words are spoken aloud: no lists, markdown, emoji or phonetic notation.\n")
	return sb.String()
}

// ForScenario returns the Roleplay Mode instructions for playing scenario.
func ForScenario(p tutor.Profile, sc tutor.Scenario) string {
	target := LanguageName(p.LearningLanguage)
	role := strings.TrimSpace(sc.AssistantRole)
	if role == "" {
		role = "a conversation partner"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s in a spoken roleplay. Stay in character for the whole conversation.", role)

	sb.WriteString("\n\n## Scenario\n")
	writeField(&sb, "Title", sc.Title)
	writeField(&sb, "Description", sc.Description)
	writeField(&sb, "Your role", sc.AssistantRole)
	writeField(&sb, "The learner's role", sc.UserRole)
	fmt.Fprintf(&sb, "Difficulty: %s\n", difficultyGuidance(sc.Difficulty))

	sb.WriteString("\n## Learner\n")
	fmt.Fprintf(&sb, "Practising %s at %s level.\n", target, levelName(p.Level))

	sb.WriteString("\n## Rules\n")
	fmt.Fprintf(&sb, "- Speak only %s. Never switch to another language, even if the learner does.\n", target)
	sb.WriteString("- Never break character, explain grammar or correct the learner's mistakes.\n")
	sb.WriteString("- Keep every reply to one or two short sentences so the learner does most of the speaking.\n")
	sb.WriteString("- End every turn with a question that keeps the conversation going.\n")
	sb.WriteString("- Your words are spoken aloud: no lists, markdown, emoji or stage directions.\n")
	return sb.String()
}

// LanguageName renders a BCP-47 tag as an English display name, e.g.
// "es-ES" becomes "Spanish (Spain)". Unparseable tags are returned as given.
func LanguageName(tag string) string {
	t, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	base, _ := t.Base()
	name := display.English.Languages().Name(base)
	if name == "" {
		return tag
	}
	if region, conf := t.Region(); conf == language.Exact {
		if rn := display.English.Regions().Name(region); rn != "" {
			name += " (" + rn + ")"
		}
	}
	return name
}

func writeField(sb *strings.Builder, label, value string) {
	if v := strings.TrimSpace(value); v != "" {
		fmt.Fprintf(sb, "%s: %s\n", label, v)
	}
}

func levelName(l tutor.Level) string {
	if l == "" {
		return string(tutor.LevelBeginner)
	}
	return string(l)
}

func levelGuidance(l tutor.Level) string {
	switch l {
	case tutor.LevelIntermediate:
		return "intermediate. Use everyday phrases and short idiomatic expressions."
	case tutor.LevelAdvanced:
		return "advanced. Prefer natural expressions and nuanced phrasing."
	default:
		return "beginner. Start with single words and very short phrases, and speak slowly."
	}
}

func difficultyGuidance(d int) string {
	switch {
	case d >= 3:
		return "challenging. Speak at natural speed, use idioms and introduce small complications."
	case d == 2:
		return "moderate. Use everyday vocabulary with some variety."
	default:
		return "beginner-friendly. Use simple words and short, clear sentences."
	}
}
