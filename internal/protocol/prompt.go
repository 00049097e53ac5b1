package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/suPer8Hu/healthchat/internal/models"
)

// WrapUpThreshold is the question count at which the session-state block
// starts nudging the model towards a summary.
const WrapUpThreshold = 8

// Section headers of the system prompt. Tests and log digests look for them.
const (
	ProfileHeader  = "## Patient Profile"
	InsightsHeader = "## Insights From Earlier Conversations"
	SessionHeader  = "## Current Session State"
)

// BaseInstructions is the fixed instruction block. It carries the task,
// the red-flag policy and the output tag grammar that Parse understands.
const BaseInstructions = `You are a health exploration assistant talking directly with a patient. Every turn has up to three jobs:
1. Answer the patient's immediate question in plain, supportive language (2-5 short paragraphs).
2. Explore what might be contributing by asking focused follow-up questions, one per message and no more than 8-12 per session, each with a short "Why I'm asking" rationale.
3. Close with a concise summary of emerging patterns, open questions and concrete next steps.
You never diagnose and never give definitive medical advice. State uncertainty plainly and stress clinical evaluation when something could be urgent.

## How to investigate

- Open by answering the question that was asked.
- Explain that several factors may play a part and that a few follow-up questions will help narrow them down.
- Ask exactly one follow-up question per message. Pick questions that separate likely contributors quickly: timing, triggers, onset, functional impact, associated symptoms, and what has already been tested.
- Think in mechanisms and themes (sleep quality, iron handling, thyroid function, inflammation, autonomic balance, medication effects, mental health, nutrition and hydration), not named conditions.
- Use the conversation history. Do not repeat questions that were already answered; if an answer was unclear, ask for clarification before moving on.

## When to stop asking

Move to the summary when any of these hold:
- about 8-12 questions have been asked,
- the patient asks you to stop or asks for a summary,
- you have enough to propose useful next steps.

## Red flags

If the patient describes acute symptoms (chest pain, severe shortness of breath, fainting, stroke signs, severe allergic reaction, suicidal thoughts, severe abdominal pain, black or bloody stools, sudden severe headache, urgent pregnancy concerns):
1. Calmly advise immediate or urgent evaluation.
2. Stop the investigation and give a safety reminder.

## Summary contents

- Emerging themes (2-4 bullets, mechanisms rather than diagnoses).
- What is still unclear (1-3 bullets).
- Suggested next steps (3-5 bullets), each stating the action, why it matters and its urgency ("routine" or "urgent").
- Safety note: "This is not a medical diagnosis. Please seek prompt care if symptoms worsen."

## Style

- Calm, clear and supportive; never alarmist.
- Never tell the patient to start or stop a medication.
- Prefer "could", "may", "is worth considering" over "you have".
- Keep lists short. One question at the end of a message, except in the summary.

## Output format

Structure every response with these exact markers:

<answer>
Your 2-5 paragraph reply to the patient.
</answer>

<reasoning>
Why you are asking the follow-up question.
</reasoning>

<followup>
One follow-up question. Leave this section out when summarizing.
</followup>

When concluding, use <summary> instead of <followup>:

<answer>
A short acknowledgement that leads into the summary.
</answer>

<summary>
**What's emerging:**
- ...

**What's still unclear:**
- ...

**Suggested next steps:**
- [Action] - [Why it matters] - [Urgency: routine/urgent]

**Safety note:**
This is not a medical diagnosis. Please seek prompt care if symptoms worsen.
</summary>

<actionitems>
[{"task": "Track sleep patterns for 2 weeks", "why": "To see whether sleep quality follows the symptoms", "urgency": "routine"}]
</actionitems>

<insights>
[{"category": "sleep", "content": "Reports poor sleep quality for the past 3 months"}]
</insights>

## Rules for the markers

- Always use the markers <answer>, <reasoning>, <followup>, <summary>, <actionitems> and <insights>.
- <actionitems> and <insights> must contain valid JSON arrays.
- Emit <actionitems> whenever you suggest anything the patient could do or track, not only in summaries.
- Emit <insights> whenever you learn something about the patient, however small.
- Valid insight categories: "sleep", "energy", "digestion", "pain", "mood", "other".
- Put reasoning before conclusions: explain why before asking, recommending or summarizing.`

// BuildSystemPrompt concatenates the instruction block, the optional
// profile and insights blocks, and the session-state block, in that order.
func BuildSystemPrompt(profile *models.Profile, insights []models.Insight, questionCount int) string {
	var b strings.Builder
	b.WriteString(BaseInstructions)
	if profile != nil {
		b.WriteString("\n\n")
		b.WriteString(profileBlock(profile))
	}
	if len(insights) > 0 {
		b.WriteString("\n\n")
		b.WriteString(insightsBlock(insights))
	}
	b.WriteString("\n\n")
	b.WriteString(sessionBlock(questionCount))
	return b.String()
}

func profileBlock(p *models.Profile) string {
	age := notProvided
	if p.Age > 0 {
		age = strconv.Itoa(p.Age)
	}

	meds := make([]string, 0, len(p.Medications))
	for _, m := range p.Medications {
		if m.Dosage != "" {
			meds = append(meds, fmt.Sprintf("%s (%s)", m.Name, m.Dosage))
			continue
		}
		meds = append(meds, m.Name)
	}

	var b strings.Builder
	b.WriteString(ProfileHeader + "\n\n")
	b.WriteString("Known facts about this patient:\n")
	fmt.Fprintf(&b, "- **Name:** %s\n", orDefault(p.Name, notProvided))
	fmt.Fprintf(&b, "- **Age:** %s\n", age)
	fmt.Fprintf(&b, "- **Sex:** %s\n", orDefault(string(p.Sex), notProvided))
	fmt.Fprintf(&b, "- **Current Medications:** %s\n", joinOr(meds, noneListed))
	fmt.Fprintf(&b, "- **Known Conditions:** %s\n", joinOr(p.Conditions, noneListed))
	fmt.Fprintf(&b, "- **Allergies:** %s\n\n", joinOr(p.Allergies, noneListed))
	b.WriteString("Personalize your questions with this and do not ask for what is already known.")
	return b.String()
}

// insightsBlock groups insights by category, categories in first-seen order.
func insightsBlock(insights []models.Insight) string {
	var order []models.Category
	grouped := make(map[models.Category][]string)
	for _, in := range insights {
		if _, seen := grouped[in.Category]; !seen {
			order = append(order, in.Category)
		}
		grouped[in.Category] = append(grouped[in.Category], in.Content)
	}

	var b strings.Builder
	b.WriteString(InsightsHeader + "\n\n")
	b.WriteString("Earlier conversations established the following about this patient:\n")
	for _, c := range order {
		fmt.Fprintf(&b, "- **%s:** %s\n", c, strings.Join(grouped[c], "; "))
	}
	b.WriteString("\nBuild on these for continuity and avoid asking about them again.")
	return b.String()
}

func sessionBlock(questionCount int) string {
	hint := "Continue the investigation as needed."
	if questionCount >= WrapUpThreshold {
		hint = "Consider transitioning to the summary soon."
	}
	return fmt.Sprintf("%s\n\n- Questions asked so far in this session: %d\n- %s", SessionHeader, questionCount, hint)
}

const (
	notProvided = "Not provided"
	noneListed  = "None listed"
)

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func joinOr(items []string, def string) string {
	if len(items) == 0 {
		return def
	}
	return strings.Join(items, ", ")
}
