package template

import (
	"fmt"
	"strings"
	"time"
)

// Word lists backing the deterministic faker surface. Draw order is the
// only source of variation, so the lists themselves must stay stable.
var (
	fakerFirstNames = []string{
		"John", "Jane", "Bob", "Alice", "Charlie", "Diana", "Edward",
		"Fiona", "Grace", "Henry", "Iris", "Jack", "Karen", "Liam",
		"Maria", "Noah", "Olivia", "Peter", "Quinn", "Rosa",
	}
	fakerLastNames = []string{
		"Smith", "Doe", "Johnson", "Williams", "Brown", "Davis",
		"Miller", "Wilson", "Moore", "Taylor", "Anderson", "Thomas",
		"Jackson", "White", "Harris", "Martin", "Thompson", "Garcia",
	}
	fakerDomains = []string{"example.com", "test.com", "mock.io", "demo.org"}
	fakerCities  = []string{
		"New York", "Los Angeles", "Chicago", "Houston", "Phoenix",
		"Seattle", "Denver", "Boston", "Austin", "Portland",
	}
	fakerCountries = []string{
		"United States", "Canada", "Germany", "France", "Japan",
		"Brazil", "Australia", "Spain", "Netherlands", "Sweden",
	}
	fakerStreets = []string{
		"Main St", "Oak Ave", "Elm St", "Park Blvd", "Cedar Ln",
		"Maple Dr", "Pine Rd", "Lake Way",
	}
	fakerCompanies = []string{
		"Acme Corp", "Globex Inc", "Initech", "Umbrella Corp",
		"Stark Industries", "Wayne Enterprises", "Cyberdyne Systems",
		"Tyrell Corp",
	}
	fakerProductAdjectives = []string{
		"Sleek", "Rustic", "Ergonomic", "Incredible", "Practical",
		"Handcrafted", "Refined", "Durable",
	}
	fakerProductMaterials = []string{
		"Steel", "Wooden", "Cotton", "Granite", "Rubber", "Concrete",
	}
	fakerProductNouns = []string{
		"Chair", "Table", "Lamp", "Keyboard", "Bottle", "Gloves",
		"Shoes", "Clock",
	}
)

// Faker is the deterministic fake-data surface exposed to templates as
// faker.* and to the schema generator via x-sandbox faker hints. All
// draws come from the request's seeded stream; now is the request's
// fixed timestamp, which anchors the date generators.
type Faker struct {
	s   *Stream
	now time.Time
}

// NewFaker binds a faker to a stream and a fixed reference time.
func NewFaker(s *Stream, now time.Time) *Faker {
	return &Faker{s: s, now: now}
}

func (f *Faker) FirstName() string { return f.s.Pick(fakerFirstNames) }
func (f *Faker) LastName() string  { return f.s.Pick(fakerLastNames) }

func (f *Faker) FullName() string {
	return f.FirstName() + " " + f.LastName()
}

func (f *Faker) Email() string {
	return strings.ToLower(f.FirstName()) + fmt.Sprintf("%d", f.s.IntRange(0, 999)) + "@" + f.s.Pick(fakerDomains)
}

func (f *Faker) Username() string {
	return strings.ToLower(f.FirstName()) + "_" + strings.ToLower(f.LastName())
}

func (f *Faker) URL() string {
	return "https://" + f.s.Pick(fakerDomains) + "/" + strings.ToLower(f.s.Pick(fakerProductNouns))
}

func (f *Faker) City() string    { return f.s.Pick(fakerCities) }
func (f *Faker) Country() string { return f.s.Pick(fakerCountries) }

func (f *Faker) PostalCode() string {
	return fmt.Sprintf("%05d", f.s.IntRange(0, 99999))
}

func (f *Faker) Street() string {
	return fmt.Sprintf("%d %s", f.s.IntRange(1, 9999), f.s.Pick(fakerStreets))
}

func (f *Faker) Company() string { return f.s.Pick(fakerCompanies) }

func (f *Faker) ProductName() string {
	return f.s.Pick(fakerProductAdjectives) + " " + f.s.Pick(fakerProductMaterials) + " " + f.s.Pick(fakerProductNouns)
}

func (f *Faker) Price() float64 {
	cents := f.s.IntRange(100, 999999)
	return float64(cents) / 100
}

func (f *Faker) Number() int   { return f.s.IntRange(0, 1000000) }
func (f *Faker) Boolean() bool { return f.s.Bool() }
func (f *Faker) UUID() string  { return f.s.UUID() }

// DateRecent returns an RFC 3339 timestamp up to 7 days in the past.
func (f *Faker) DateRecent() string {
	back := time.Duration(f.s.IntRange(1, 7*24*3600)) * time.Second
	return f.now.Add(-back).UTC().Format(time.RFC3339)
}

// DateFuture returns an RFC 3339 timestamp up to 365 days ahead.
func (f *Faker) DateFuture() string {
	ahead := time.Duration(f.s.IntRange(1, 365*24*3600)) * time.Second
	return f.now.Add(ahead).UTC().Format(time.RFC3339)
}

// Call dispatches a generator by its template-facing name. Used by the
// schema generator's x-sandbox faker hints.
func (f *Faker) Call(name string) (any, bool) {
	switch name {
	case "firstName":
		return f.FirstName(), true
	case "lastName":
		return f.LastName(), true
	case "fullName", "name":
		return f.FullName(), true
	case "email":
		return f.Email(), true
	case "username":
		return f.Username(), true
	case "url":
		return f.URL(), true
	case "city":
		return f.City(), true
	case "country":
		return f.Country(), true
	case "postalCode":
		return f.PostalCode(), true
	case "street":
		return f.Street(), true
	case "company":
		return f.Company(), true
	case "productName":
		return f.ProductName(), true
	case "price":
		return f.Price(), true
	case "number":
		return f.Number(), true
	case "boolean":
		return f.Boolean(), true
	case "uuid":
		return f.UUID(), true
	case "dateRecent":
		return f.DateRecent(), true
	case "dateFuture":
		return f.DateFuture(), true
	default:
		return nil, false
	}
}

// surface exposes the generators as a map of zero-argument functions
// for the expression environment.
func (f *Faker) surface() map[string]any {
	return map[string]any{
		"firstName":   func() string { return f.FirstName() },
		"lastName":    func() string { return f.LastName() },
		"fullName":    func() string { return f.FullName() },
		"name":        func() string { return f.FullName() },
		"email":       func() string { return f.Email() },
		"username":    func() string { return f.Username() },
		"url":         func() string { return f.URL() },
		"city":        func() string { return f.City() },
		"country":     func() string { return f.Country() },
		"postalCode":  func() string { return f.PostalCode() },
		"street":      func() string { return f.Street() },
		"company":     func() string { return f.Company() },
		"productName": func() string { return f.ProductName() },
		"price":       func() float64 { return f.Price() },
		"number":      func() int { return f.Number() },
		"boolean":     func() bool { return f.Boolean() },
		"uuid":        func() string { return f.UUID() },
		"dateRecent":  func() string { return f.DateRecent() },
		"dateFuture":  func() string { return f.DateFuture() },
	}
}
