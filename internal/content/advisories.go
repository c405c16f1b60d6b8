package content

import "github.com/terra-clan/assessment-engine/internal/models"

// Advisory is a non-blocking authoring hint.
type Advisory struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Advisories reports content that is accepted but likely unintended: steps
// without example test cases and final-step markers on steps that are not
// last in display order. Field paths refer to display order.
func Advisories(ch *models.Challenge) []Advisory {
	steps := make([]*models.ChallengeStep, len(ch.Steps))
	copy(steps, ch.Steps)
	SortSteps(steps)

	var advisories []Advisory
	for i, step := range steps {
		prefix := indexed("steps", i)

		if len(step.TestCases) > 0 && !hasExample(step.TestCases) {
			advisories = append(advisories, Advisory{
				Field:   prefix + "testcases",
				Message: "no test case is marked as an example; candidates get no sample input",
			})
		}

		if step.IsFinalStep && i != len(steps)-1 {
			advisories = append(advisories, Advisory{
				Field:   prefix + "is_final_step",
				Message: "only the last step should be marked final",
			})
		}
	}

	return advisories
}

func hasExample(cases []*models.TestCase) bool {
	for _, tc := range cases {
		if tc.IsExample {
			return true
		}
	}
	return false
}
