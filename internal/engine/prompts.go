package engine

import (
	"fmt"
	"strings"

	"cowrite/api/internal/aigw"
	"cowrite/api/internal/ledger"
	"cowrite/api/internal/store"
	"cowrite/api/internal/util"
)

const (
	analysisPrefix = 5000
	editPrefix     = 4000
)

var (
	generateParams    = aigw.Params{Temperature: 0.7, MaxOutputTokens: 4096}
	improveParams     = aigw.Params{Temperature: 0.4, MaxOutputTokens: 4096}
	chatGenerate      = aigw.Params{Temperature: 0.7, MaxOutputTokens: 3000}
	chatEdit          = aigw.Params{Temperature: 0.5, MaxOutputTokens: 3000}
	analysisParams    = aigw.Params{Temperature: 0.3, MaxOutputTokens: 2000}
	suggestionParams  = aigw.Params{Temperature: 0.6, MaxOutputTokens: 2000}
	contributionParam = aigw.Params{Temperature: 0.3, MaxOutputTokens: 1024}
)

func projectDescription(p store.Project) string {
	if strings.TrimSpace(p.Description) == "" {
		return "No description provided"
	}
	return p.Description
}

func generatePrompt(p store.Project, current, prompt string) string {
	header := fmt.Sprintf("Project: %s\nDescription: %s\n\n", p.Name, projectDescription(p))
	if strings.TrimSpace(current) != "" {
		return header + fmt.Sprintf("Current content:\n%s\n\nPrompt: %s\n\nGenerate new content based on the prompt, extending the current content:", current, prompt)
	}
	return header + fmt.Sprintf("Prompt: %s\n\nGenerate content based on this prompt:", prompt)
}

func improvePrompt(content, instructions string) string {
	return fmt.Sprintf("I have the following content that I'd like you to improve:\n\n%s\n\nPlease improve this content based on these instructions: %s\n\nReturn the improved content only, without any additional comments or explanations.", content, instructions)
}

func chatGeneratePrompt(p store.Project, message string) string {
	desc := projectDescription(p)
	return fmt.Sprintf(`You are an AI assistant helping with content generation for the project "%s".

Project Context:
- Name: %s
- Description: %s

User Request: %s

Please generate helpful, relevant content based on the user's request. Keep your response focused and practical.`, p.Name, p.Name, desc, message)
}

func chatEditPrompt(p store.Project, content, message string) string {
	if content == "" {
		content = "No existing content to edit"
	}
	return fmt.Sprintf(`You are an AI assistant helping with content editing for the project "%s".

Current Content:
%s

Edit Request: %s

Please provide specific suggestions or edits based on the request. Focus on actionable improvements.`, p.Name, util.Excerpt(content, editPrefix), message)
}

func analysisPrompt(p store.Project, content, request string) string {
	body := prefix(content, analysisPrefix)
	if runeLen(content) > analysisPrefix {
		body += "\n\n[Content truncated for analysis - ask for specific sections if needed]"
	}
	return fmt.Sprintf(`You are an AI assistant providing analysis for the project "%s".

Content to Analyze:
%s

User Request: %s

Please provide a focused analysis with:
1. **Key Insights** (2-3 main points)
2. **Specific Suggestions** (3-5 actionable items)
3. **Priority Areas** (what to focus on first)

Keep your response well-structured and actionable. Use bullet points and clear headings.`, p.Name, body, request)
}

func suggestionsPrompt(content, instructions string) string {
	if strings.TrimSpace(instructions) != "" {
		return fmt.Sprintf(`I have the following content and specific instructions for analysis:

Content:
%s

Instructions:
%s

Please provide a list of 3-5 detailed suggestions based on these instructions.
Format your response as a list of suggestions, one per line.`, content, instructions)
	}
	return fmt.Sprintf(`I have the following content and I would like suggestions for improvements:

%s

Please provide a list of 3-5 suggestions to improve this content. For each suggestion:
1. Describe the suggestion concisely
2. Explain briefly why it would improve the content

Format your response as a list of suggestions, one per line.`, content)
}

func contributionPrompt(content string, history []ledger.Entry) string {
	var b strings.Builder
	b.WriteString("I need to analyze the following content to determine the approximate percentage of AI versus human contribution:\n\n")
	b.WriteString("Content to analyze:\n")
	b.WriteString(content)
	b.WriteString("\n\n")
	if len(history) > 0 {
		b.WriteString("Edit history (most recent first):\n")
		for _, e := range history {
			fmt.Fprintf(&b, "- %s: %s\n", e.Type, describe(e.Data))
		}
		b.WriteString("\n")
	}
	b.WriteString(`Please analyze the content and provide:
1. Estimated percentage of AI contribution (0-100%)
2. Estimated percentage of human contribution (0-100%)
3. Brief explanation of your analysis
4. Approximate number of edits that might have been made

Format your response as a JSON object with keys: aiContribution, humanContribution, explanation, totalEdits`)
	return b.String()
}

// formatAnalysis renders suggestions as the numbered summary shown in chat.
func formatAnalysis(projectName string, suggestions []string, contentLen int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Analysis Results for \"%s\"\n\n", projectName)
	b.WriteString("### Key Suggestions:\n\n")
	for i, s := range suggestions {
		fmt.Fprintf(&b, "**%d.** %s\n\n", i+1, s)
	}
	b.WriteString("### Next Steps:\n")
	b.WriteString("- Review the suggestions above\n")
	b.WriteString("- Prioritize based on your project goals\n")
	b.WriteString("- Ask for specific guidance on any suggestion\n\n")
	if contentLen > analysisPrefix {
		b.WriteString("*Note: Analysis based on the first 5000 characters. Ask about specific sections for detailed analysis.*")
	}
	return b.String()
}

func describe(p ledger.Payload) string {
	switch v := p.(type) {
	case ledger.AIMessage:
		return fmt.Sprintf("chat (%s): %s", v.Mode, v.Message)
	case ledger.AIGeneratedContent:
		return "AI generated content for: " + v.Prompt
	case ledger.AIImprovedContent:
		return "AI improved content: " + v.Instructions
	case ledger.SuggestionApplied:
		return "applied suggestion: " + v.Suggestion
	case ledger.ContentUpdated:
		return fmt.Sprintf("content edited (%d words)", v.WordCount)
	case ledger.VersionCreated:
		return "version created: " + v.Name
	case ledger.VersionSwitched:
		return "switched to version " + v.VersionName
	case ledger.CollaboratorJoined:
		return "collaborator joined as " + v.Role
	case ledger.CollaboratorLeft:
		return "collaborator left"
	case ledger.ProjectCreated:
		return "project created"
	}
	return ""
}

func runeLen(s string) int {
	return len([]rune(s))
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
