package dispatch

import (
	"fmt"
	"strings"

	"github.com/sitelinehq/siteline/internal/types"
)

// BuildPrompt renders the instruction text for one stage run. Every
// prompt opens with the project metadata header so the agent has intake
// context; re-runs after changes_requested append the client feedback.
func BuildPrompt(project *types.Project, stage types.Stage, feedback string) string {
	var b strings.Builder

	b.WriteString("# Project Context\n\n")
	fmt.Fprintf(&b, "Project: %s\n", project.Label)
	if project.Metadata.ProjectNumber != "" {
		fmt.Fprintf(&b, "Project number: %s\n", project.Metadata.ProjectNumber)
	}
	if project.Metadata.CompanyName != "" {
		fmt.Fprintf(&b, "Company: %s\n", project.Metadata.CompanyName)
	}
	if project.Metadata.Industry != "" {
		fmt.Fprintf(&b, "Industry: %s\n", project.Metadata.Industry)
	}
	if project.Metadata.TargetAudience != "" {
		fmt.Fprintf(&b, "Target audience: %s\n", project.Metadata.TargetAudience)
	}
	if project.Metadata.Requirements != "" {
		fmt.Fprintf(&b, "Requirements: %s\n", project.Metadata.Requirements)
	}
	if project.Metadata.RushDelivery {
		b.WriteString("Rush delivery: yes\n")
	}

	fmt.Fprintf(&b, "\n# Stage: %s\n\n", stage.DisplayName())
	b.WriteString(stageInstructions(stage))
	fmt.Fprintf(&b, "\nWrite all output files under %s/ in the workspace.\n", StageDirHint(stage))

	if feedback != "" {
		b.WriteString("\n# Client Feedback\n\n")
		b.WriteString("The client reviewed the previous output of this stage and requested changes:\n\n")
		b.WriteString(feedback)
		b.WriteString("\n\nAddress every point before finishing.\n")
	}

	return b.String()
}

// StageDirHint is the workspace-relative output directory named in the
// prompt. Kept in sync with the deliverables collector's layout.
func StageDirHint(stage types.Stage) string {
	return fmt.Sprintf("deliverables/%02d_%s", stage.Position(), stage)
}

func stageInstructions(stage types.Stage) string {
	switch stage {
	case types.StageInitialReview:
		return "Review the project requirements and prepare the foundation for the " +
			"build. Analyze the intake thoroughly, produce a project strategy " +
			"document, set up the development environment, and prepare the research " +
			"questions the next stage will answer.\n"
	case types.StageAIResearch:
		return "Research the company, its industry, and its competitors. " +
			"Produce a research brief covering brand positioning, competitor sites, " +
			"recommended site structure, and a keyword list for SEO.\n"
	case types.StageDesignMockup:
		return "Create the visual design for the website. Produce homepage and " +
			"key inner-page mockups as images, plus a style guide covering palette, " +
			"typography, and component styles. Ground every choice in the research brief.\n"
	case types.StageContentCollection:
		return "Write the site copy for every page in the approved design, " +
			"optimized for the target audience and SEO keyword list. Produce one " +
			"content file per page plus meta titles and descriptions.\n"
	case types.StageDevelopment:
		return "Implement the full website from the approved design and content. " +
			"Build responsive pages, wire up forms, and include a production build. " +
			"Package the built site as a deployable archive.\n"
	case types.StageQualityAssurance:
		return "Test the website thoroughly and fix every defect found. Cover all " +
			"functionality across browsers and devices, check performance and " +
			"accessibility, and produce a test report plus a performance report.\n"
	case types.StageDeployment:
		return "Deploy the approved build to production hosting. Verify the live " +
			"site responds, TLS is valid, and produce a deployment report with the " +
			"live URL.\n"
	default:
		// client_preview and delivered carry no agent work.
		return "This stage has no automated work.\n"
	}
}
