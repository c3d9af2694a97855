package classify

import "strings"

// promptTemplate is the fixed classification prompt. Only the two
// placeholders are substituted; the response contract below is parsed by
// validate.Parse and must not drift.
const promptTemplate = `You are a regulatory compliance analyst. Compare a regulatory control objective with an internal control objective and decide how completely the internal control satisfies the regulatory one.

Regulatory control objective:
"""
{original_objective}
"""

Internal control objective:
"""
{matched_objective}
"""

Classification rules:
- "Complete Match": the internal control addresses every obligation in the regulatory control, including scope, timing, thresholds and reporting duties.
- "Partial Match": the internal control addresses some obligations but differs or is silent on at least one (for example a longer deadline, a narrower scope, or a missing reporting duty).
- Quote the specific wording that differs when explaining a Partial Match.
- Do not invent obligations that are not stated in either text.

Respond with exactly these four labeled fields:

Match Type: Complete Match or Partial Match
Matching Rationale: why the controls match, and where they diverge
Regulatory Compliance Considerations: what the regulation requires that the internal control must evidence
Comments & Recommendations: concrete changes that would close any gap

Then repeat the same content as a JSON object between <json> and </json> tags, using exactly these keys and string values:

<json>
{
  "Match Type": "Complete Match or Partial Match",
  "Matching Rationale": "...",
  "Regulatory Compliance Considerations": "...",
  "Comments & Recommendations": "...",
}
</json>`

// RenderPrompt substitutes the regulatory (original) and internal (matched)
// objective texts into the template. Substituted text is never re-scanned,
// so placeholders appearing inside a control's text stay literal.
func RenderPrompt(original, matched string) string {
	r := strings.NewReplacer("{original_objective}", original, "{matched_objective}", matched)
	return r.Replace(promptTemplate)
}
