// internal/agent/prompts.go
package agent

import (
	"fmt"
	"strings"
)

// decisionRules takes the task, the current step and the step limit.
const decisionRules = `You are a human web user automating a task. Look at the screenshot carefully.

FULL GOAL: %s

CRITICAL RULES:
1. Break the goal into ALL required steps. Complete EVERY step before returning 'done'.
2. For example, if goal is 'search X, add to cart, checkout':
   - Step A: Search for X on the website
   - Step B: Click on the correct product
   - Step C: Click 'Add to Cart' button
   - Step D: Click 'Proceed to Checkout' or 'Go to Cart'
   - ONLY THEN return action='done'
3. Never assume a step is complete unless you can SEE confirmation on screen.
4. If you see 'Added to Cart' message or cart icon updated, that's ONE step done, but continue to next step.
5. Only return action='done' when you have FULLY COMPLETED the ENTIRE goal with ALL steps visible.
6. NEVER click on 'Google' or 'Switch to Google' links. Stay on the current search engine (Brave).
7. If you see a CAPTCHA, just describe what you see and continue - don't try to solve it manually.
8. If you see a login popup that won't close, return action='done' with reason='Blocked by login requirement'.
9. For search results, click on the FIRST relevant article/link to navigate to the actual page.

Current Step: %d/%d
`

// decisionFormat is appended last so the schema is the final thing the model reads.
const decisionFormat = `

Return JSON ONLY in this exact format:
{"action": "click"|"type"|"done", "label": "visible_text_on_button_or_link", "text_to_type": "...", "reason": "what_you_are_doing_and_why"}`

// DecisionPrompt renders the per-step instruction for the model.
func DecisionPrompt(task string, st LoopState, maxSteps int) string {
	var b strings.Builder
	fmt.Fprintf(&b, decisionRules, task, st.Step, maxSteps)

	// Nudge the model off a failing approach.
	if st.ConsecutiveFailures > 3 {
		fmt.Fprintf(&b, "\nWARNING: You've had %d consecutive failures. "+
			"If you're stuck on a popup/login that cannot be closed, return action='done' with reason='Cannot proceed - blocking element'. "+
			"If same action keeps failing, try a DIFFERENT approach or element. ", st.ConsecutiveFailures)
	}
	// Discourage premature done in the first few steps.
	if st.Step < 5 {
		fmt.Fprintf(&b, "\nNOTE: You are only at step %d. Most tasks require 5-15 steps. "+
			"Make sure you've completed ALL parts of the goal before marking 'done'. ", st.Step)
	}
	// Set after a click opened a dropdown or similar panel.
	if st.PanelOpen {
		b.WriteString("\nCONTEXT: A selection panel is currently open. Pick from it; do not click the control that opens it again. ")
	}
	b.WriteString(decisionFormat)
	return b.String()
}

// EarlyVerifyPrompt asks for a YES/NO judgement on an early done.
func EarlyVerifyPrompt(task string) string {
	return fmt.Sprintf("Look at this screenshot. The task was: '%s'. Is this task COMPLETELY finished with ALL steps done? "+
		"Answer only 'YES' or 'NO' with 1 sentence explanation.", task)
}

// CompletionPrompt asks for the COMPLETE/INCOMPLETE/BLOCKED verdict.
func CompletionPrompt(task string) string {
	return fmt.Sprintf("Look at this screenshot. The task was: '%s'.\n"+
		"Answer with exactly one word first:\n"+
		"COMPLETE - every part of the task is visibly finished.\n"+
		"INCOMPLETE - some part of the task is still missing.\n"+
		"BLOCKED - a login wall, CAPTCHA or other blocker prevents finishing.\n"+
		"Then give a short reason on the same line.", task)
}

// blockerPrompt answers in the JSON shape decoded by the blocker detector.
const blockerPrompt = `Look at this screenshot. Detect if there are BLOCKING elements:
1. Login/Signup popups or walls
2. 'Verify you are human' messages
3. Cloudflare security checks
4. Age verification popups
5. Cookie consent that blocks content

Return JSON:
{"blocked": true/false, "blocker_type": "login"|"verification"|"cookies"|"none", "reason": "brief explanation"}`

// DiagnosisPrompt asks the model to name what stopped the run.
func DiagnosisPrompt(task string) string {
	return "You are a debugger. The agent failed to complete the task: '" + task + "'. " +
		"Look at the screenshot carefully. Is there a Login Popup? Is there a Captcha? Is the item out of stock? " +
		"Explain the BLOCKER in 1 sentence."
}

// searchQueryPrompt is a system prompt; the user prompt is the raw task.
const searchQueryPrompt = `Extract ONLY the search query from the user's request. Remove all instructions like 'go to', 'search for', 'google', 'find', etc. Return ONLY the actual search terms.

Examples:
Input: 'go to google.com search for man utd and open any article by cnn'
Output: man utd cnn

Input: 'search for latest iPhone 15 reviews'
Output: latest iPhone 15 reviews

Input: 'google best restaurants in tokyo'
Output: best restaurants in tokyo

Return ONLY the search query, nothing else.`
