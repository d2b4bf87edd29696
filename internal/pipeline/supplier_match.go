package pipeline

import (
	"strconv"

	"invoicematch/internal"
	"invoicematch/internal/reference"
	"invoicematch/internal/util"
)

// Confidence reported for an email domain hit; a shared domain is weaker
// evidence than a name.
const emailDomainConfidence = 70

type supplierKeys struct {
	abn     string
	name    string
	aliases []string
	domain  string
}

// supplierHit is what a stage returns when it resolves a supplier.
type supplierHit struct {
	index      int
	confidence float64
	matchedOn  string
}

type supplierStage struct {
	method internal.MatchMethod
	run    func(inv internal.ExtractedInvoice) (supplierHit, bool)
}

// SupplierMatcher resolves the invoice supplier through ABN, exact name,
// fuzzy name and email domain, in that order.
type SupplierMatcher struct {
	settings  Settings
	suppliers []internal.Supplier
	keys      []supplierKeys
	stages    []supplierStage
}

func NewSupplierMatcher(settings Settings, snap *reference.Snapshot) (*SupplierMatcher, error) {
	if snap == nil {
		return nil, ErrNilSnapshot
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	m := &SupplierMatcher{
		settings:  settings,
		suppliers: snap.Suppliers,
		keys:      make([]supplierKeys, len(snap.Suppliers)),
	}
	for i, s := range snap.Suppliers {
		k := supplierKeys{
			abn:    util.DigitsOnly(s.ABN),
			name:   util.FoldSpace(s.Name),
			domain: util.EmailDomain(s.Email),
		}
		for _, a := range s.Aliases {
			k.aliases = append(k.aliases, util.FoldSpace(a))
		}
		m.keys[i] = k
	}
	m.stages = []supplierStage{
		{internal.MatchABNExact, m.matchABN},
		{internal.MatchNameExact, m.matchNameExact},
		{internal.MatchNameFuzzy, m.matchNameFuzzy},
		{internal.MatchEmailDomain, m.matchEmailDomain},
	}
	return m, nil
}

// Match never fails; an unresolved supplier comes back with method none.
func (m *SupplierMatcher) Match(inv internal.ExtractedInvoice) internal.MatchedSupplier {
	for _, stage := range m.stages {
		hit, ok := stage.run(inv)
		if !ok {
			continue
		}
		s := m.suppliers[hit.index].Clone()
		return internal.MatchedSupplier{
			Supplier:   &s,
			Method:     stage.method,
			Confidence: hit.confidence,
			MatchedOn:  hit.matchedOn,
		}
	}
	return internal.MatchedSupplier{Method: internal.MatchNone}
}

// matchABN takes the first supplier in load order when several share an ABN.
func (m *SupplierMatcher) matchABN(inv internal.ExtractedInvoice) (supplierHit, bool) {
	abn := util.DigitsOnly(inv.SupplierABN)
	if abn == "" {
		return supplierHit{}, false
	}
	for i, k := range m.keys {
		if k.abn != "" && k.abn == abn {
			return supplierHit{index: i, confidence: 100, matchedOn: inv.SupplierABN}, true
		}
	}
	return supplierHit{}, false
}

func (m *SupplierMatcher) matchNameExact(inv internal.ExtractedInvoice) (supplierHit, bool) {
	name := util.FoldSpace(inv.SupplierName)
	if name == "" {
		return supplierHit{}, false
	}
	for i, k := range m.keys {
		if k.name == name {
			return supplierHit{index: i, confidence: 100, matchedOn: m.suppliers[i].Name}, true
		}
	}
	for i, k := range m.keys {
		for j, alias := range k.aliases {
			if alias == name {
				return supplierHit{index: i, confidence: 100, matchedOn: m.suppliers[i].Aliases[j]}, true
			}
		}
	}
	return supplierHit{}, false
}

func (m *SupplierMatcher) matchNameFuzzy(inv internal.ExtractedInvoice) (supplierHit, bool) {
	if util.NormalizeText(inv.SupplierName) == "" {
		return supplierHit{}, false
	}
	best := -1
	bestScore := -1.0
	bestAlias := true
	bestOn := ""
	consider := func(i int, candidate string, alias bool) {
		score := util.TokenSortRatio(inv.SupplierName, candidate)
		better := score > bestScore
		if score == bestScore && best >= 0 {
			switch {
			case bestAlias && !alias:
				better = true
			case bestAlias == alias:
				better = lessID(m.suppliers[i].ID, m.suppliers[best].ID)
			}
		}
		if better {
			best, bestScore, bestAlias, bestOn = i, score, alias, candidate
		}
	}
	for i, s := range m.suppliers {
		consider(i, s.Name, false)
		for _, a := range s.Aliases {
			consider(i, a, true)
		}
	}
	if best < 0 || bestScore < m.settings.SupplierFuzzyThreshold {
		return supplierHit{}, false
	}
	return supplierHit{index: best, confidence: bestScore, matchedOn: bestOn}, true
}

func (m *SupplierMatcher) matchEmailDomain(inv internal.ExtractedInvoice) (supplierHit, bool) {
	domain := util.EmailDomain(inv.SupplierEmail)
	if domain == "" {
		return supplierHit{}, false
	}
	for i, k := range m.keys {
		if k.domain != "" && k.domain == domain {
			return supplierHit{index: i, confidence: emailDomainConfidence, matchedOn: domain}, true
		}
	}
	return supplierHit{}, false
}

// lessID orders supplier ids numerically when both are integers, else
// lexically.
func lessID(a, b string) bool {
	ai, errA := strconv.Atoi(a)
	bi, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return ai < bi
	}
	return a < b
}
