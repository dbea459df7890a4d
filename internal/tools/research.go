package tools

import (
	"context"
	"fmt"
	"strings"
)

const (
	ReportOutlineName   = "create_report_outline"
	ResearchSourcesName = "suggest_research_sources"
	DataPatternsName    = "analyze_data_patterns"
	FormatSectionName   = "format_report_section"
)

// Analysis categories derived from the request.
const (
	AnalysisGeneral   = "general"
	AnalysisMarket    = "market"
	AnalysisTechnical = "technical"
)

var outlines = map[string][]string{
	AnalysisGeneral: {
		"I. Executive Summary\n- Key findings\n- Main conclusions\n- Recommendations",
		"II. Introduction\n- Background and context\n- Problem statement\n- Objectives and scope",
		"III. Methodology\n- Research approach\n- Data sources\n- Analysis framework",
		"IV. Analysis and Findings\n- Key insights\n- Data interpretation\n- Trend analysis",
		"V. Discussion\n- Implications of findings\n- Limitations\n- Comparative analysis",
		"VI. Conclusions and Recommendations\n- Summary of key points\n- Actionable recommendations\n- Future considerations",
	},
	AnalysisMarket: {
		"I. Executive Summary\n- Market overview\n- Key market trends\n- Strategic recommendations",
		"II. Market Overview\n- Market size and growth\n- Market segmentation\n- Key players",
		"III. Market Analysis\n- SWOT analysis\n- Competitive landscape\n- Market opportunities",
		"IV. Consumer Analysis\n- Target demographics\n- Consumer behavior\n- Market demand",
		"V. Financial Analysis\n- Market valuation\n- Revenue projections\n- Investment opportunities",
		"VI. Strategic Recommendations\n- Market entry strategies\n- Risk assessment\n- Action plan",
	},
	AnalysisTechnical: {
		"I. Executive Summary\n- Technical overview\n- Key findings\n- Recommendations",
		"II. Technical Background\n- Technology overview\n- Current state\n- Technical challenges",
		"III. Technical Analysis\n- System architecture\n- Performance metrics\n- Technical evaluation",
		"IV. Implementation Analysis\n- Implementation approach\n- Resource requirements\n- Timeline considerations",
		"V. Risk Assessment\n- Technical risks\n- Mitigation strategies\n- Contingency plans",
		"VI. Recommendations\n- Technical solutions\n- Implementation roadmap\n- Success metrics",
	},
}

var outlineTitles = map[string]string{
	AnalysisGeneral:   "Research Report Outline for: %s",
	AnalysisMarket:    "Market Analysis Report Outline for: %s",
	AnalysisTechnical: "Technical Analysis Report Outline for: %s",
}

type sourceCategory struct {
	name    string
	sources []string
}

var sourceCatalog = map[string][]sourceCategory{
	AnalysisGeneral: {
		{"Academic", []string{"Google Scholar", "JSTOR", "ResearchGate", "ScienceDirect"}},
		{"News", []string{"Reuters", "BBC News", "The Guardian", "Financial Times"}},
		{"Reports", []string{"McKinsey Global Institute", "PwC", "Deloitte", "KPMG"}},
		{"Government", []string{"Government websites (.gov)", "OECD", "World Bank", "UN reports"}},
	},
	AnalysisMarket: {
		{"Market Data", []string{"Statista", "IBISWorld", "Market Research Reports", "Grand View Research"}},
		{"Financial", []string{"Bloomberg", "Reuters", "Yahoo Finance", "MarketWatch"}},
		{"Industry", []string{"Industry associations", "Trade publications", "Company annual reports"}},
		{"Consumer", []string{"Nielsen", "Kantar", "Consumer surveys", "Social media analytics"}},
	},
	AnalysisTechnical: {
		{"Technical", []string{"IEEE Xplore", "ACM Digital Library", "ArXiv", "GitHub"}},
		{"Standards", []string{"ISO standards", "IEEE standards", "RFC documents"}},
		{"Documentation", []string{"Official documentation", "Technical blogs", "Stack Overflow"}},
		{"Tools", []string{"Technical forums", "Developer communities", "Open source projects"}},
	},
}

type frameworkFactor struct {
	name        string
	description string
}

var frameworks = map[string][]frameworkFactor{
	"SWOT": {
		{"Strengths", "Internal positive factors and advantages"},
		{"Weaknesses", "Internal negative factors and limitations"},
		{"Opportunities", "External positive factors and potential gains"},
		{"Threats", "External negative factors and potential risks"},
	},
	"PEST": {
		{"Political", "Government policies, regulations, political stability"},
		{"Economic", "Economic conditions, inflation, exchange rates"},
		{"Social", "Social trends, demographics, cultural factors"},
		{"Technological", "Technology trends, innovation, digital transformation"},
	},
	"5FORCES": {
		{"Threat of New Entrants", "Barriers to entry, market saturation"},
		{"Bargaining Power of Suppliers", "Supplier concentration, switching costs"},
		{"Bargaining Power of Buyers", "Buyer concentration, price sensitivity"},
		{"Threat of Substitutes", "Alternative products, switching costs"},
		{"Industry Rivalry", "Competitor concentration, market growth"},
	},
}

var sectionFormats = map[string][2]string{
	"executive_summary": {"Key Findings", "## Main Conclusions\n[Conclusions to be added]\n\n## Recommendations\n[Recommendations to be added]"},
	"analysis":          {"Overview", "## Detailed Analysis\n[Detailed analysis to be added]\n\n## Key Insights\n[Key insights to be added]"},
	"methodology":       {"Research Approach", "## Data Sources\n[Data sources to be specified]\n\n## Analysis Framework\n[Analysis framework to be defined]"},
	"recommendations":   {"Strategic Recommendations", "## Implementation Plan\n[Implementation plan to be developed]\n\n## Success Metrics\n[Success metrics to be defined]"},
}

// ReportOutline renders the outline for an analysis category.
func ReportOutline(topic, analysisType, requirements string) string {
	sections, ok := outlines[analysisType]
	title := outlineTitles[analysisType]
	if !ok {
		sections = outlines[AnalysisGeneral]
		title = outlineTitles[AnalysisGeneral]
	}
	var b strings.Builder
	fmt.Fprintf(&b, title, topic)
	for _, s := range sections {
		b.WriteString("\n\n")
		b.WriteString(s)
	}
	fmt.Fprintf(&b, "\n\nRequirements: %s", requirements)
	return b.String()
}

// ResearchSources lists categorised sources for an analysis category.
func ResearchSources(topic, analysisType string) string {
	cats, ok := sourceCatalog[analysisType]
	if !ok {
		cats = sourceCatalog[AnalysisGeneral]
	}
	lines := make([]string, 0, len(cats))
	for _, c := range cats {
		lines = append(lines, fmt.Sprintf("%s: %s", c.name, strings.Join(c.sources, ", ")))
	}
	return fmt.Sprintf("For %s analysis of %s, consider these sources:\n", analysisType, topic) + strings.Join(lines, "\n")
}

// DataPatterns lays out a SWOT, PEST or 5FORCES frame. Unknown frameworks use SWOT.
func DataPatterns(dataDescription, framework string) string {
	factors, ok := frameworks[strings.ToUpper(framework)]
	if !ok {
		factors = frameworks["SWOT"]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Analysis of '%s' using %s framework:\n\n", dataDescription, framework)
	for _, f := range factors {
		fmt.Fprintf(&b, "%s: %s\n", f.name, f.description)
		fmt.Fprintf(&b, "Application to data: [Analysis needed for %s]\n\n", strings.ToLower(f.name))
	}
	return b.String()
}

// FormatSection builds a markdown scaffold for one report section.
func FormatSection(title, content, sectionType string) string {
	f, ok := sectionFormats[sectionType]
	if !ok {
		f = sectionFormats["analysis"]
	}
	return fmt.Sprintf("# %s\n\n## %s\n%s\n\n%s", title, f[0], content, f[1])
}

// ReportOutlineTool wraps ReportOutline.
func ReportOutlineTool() Tool {
	return Tool{
		Name:        ReportOutlineName,
		Description: "Create a structured outline for a research report or analysis",
		Parameters: objectSchema(map[string]string{
			"topic":         "Report topic",
			"analysis_type": "general, market or technical",
			"requirements":  "Additional requirements",
		}, "topic"),
		Execute: func(ctx context.Context, args map[string]interface{}) string {
			return ReportOutline(StringArg(args, "topic", "Research Topic"), StringArg(args, "analysis_type", AnalysisGeneral), StringArg(args, "requirements", ""))
		},
	}
}

// ResearchSourcesTool wraps ResearchSources.
func ResearchSourcesTool() Tool {
	return Tool{
		Name:        ResearchSourcesName,
		Description: "Suggest research sources and databases for a given topic and analysis type",
		Parameters: objectSchema(map[string]string{
			"topic":         "Research topic",
			"analysis_type": "general, market or technical",
		}, "topic"),
		Execute: func(ctx context.Context, args map[string]interface{}) string {
			return ResearchSources(StringArg(args, "topic", "Research Topic"), StringArg(args, "analysis_type", AnalysisGeneral))
		},
	}
}

// DataPatternsTool wraps DataPatterns.
func DataPatternsTool() Tool {
	return Tool{
		Name:        DataPatternsName,
		Description: "Analyze data patterns using a SWOT, PEST or 5FORCES framework",
		Parameters: objectSchema(map[string]string{
			"data_description":   "Description of the data to analyze",
			"analysis_framework": "SWOT, PEST or 5FORCES",
		}, "data_description"),
		Execute: func(ctx context.Context, args map[string]interface{}) string {
			return DataPatterns(StringArg(args, "data_description", "Research data"), StringArg(args, "analysis_framework", "SWOT"))
		},
	}
}

// FormatSectionTool wraps FormatSection.
func FormatSectionTool() Tool {
	return Tool{
		Name:        FormatSectionName,
		Description: "Format a report section with proper structure and styling",
		Parameters: objectSchema(map[string]string{
			"section_title": "Section title",
			"content":       "Section body",
			"section_type":  "executive_summary, analysis, methodology or recommendations",
		}, "section_title", "content"),
		Execute: func(ctx context.Context, args map[string]interface{}) string {
			return FormatSection(StringArg(args, "section_title", "Section"), StringArg(args, "content", ""), StringArg(args, "section_type", "analysis"))
		},
	}
}

// ReportTools is the full research tool set.
func ReportTools() *Registry {
	return NewRegistry(ReportOutlineTool(), ResearchSourcesTool(), DataPatternsTool(), FormatSectionTool())
}

func objectSchema(props map[string]string, required ...string) map[string]interface{} {
	properties := make(map[string]interface{}, len(props))
	for name, desc := range props {
		properties[name] = map[string]interface{}{"type": "string", "description": desc}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}
