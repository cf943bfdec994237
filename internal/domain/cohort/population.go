package cohort

import "time"

// Population bounds: age is inclusive at the lower end, exclusive at the upper.
const (
	MinAge = 14
	MaxAge = 50
)

// InPopulation reports whether p belongs to the study population on the
// reference date: female and aged 14 to 49.
func InPopulation(p *Patient, reference time.Time) bool {
	age := p.AgeOn(reference)
	return age >= MinAge && age < MaxAge && p.Sex == SexFemale
}
