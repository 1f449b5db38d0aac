package plan

// Clone returns a deep copy of p.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Objective.SuccessCriteria = cloneStrings(p.Objective.SuccessCriteria)
	c.Objective.AffectedPaths = cloneStrings(p.Objective.AffectedPaths)
	c.Evidence.AnalyzedPaths = cloneStrings(p.Evidence.AnalyzedPaths)
	if p.Verification != nil {
		v := *p.Verification
		v.Commands = cloneStrings(v.Commands)
		v.ExpectedResults = cloneStrings(v.ExpectedResults)
		c.Verification = &v
	}
	if p.CommitProposal != nil {
		cp := *p.CommitProposal
		c.CommitProposal = &cp
	}
	if p.ApproveAllGrant != nil {
		g := *p.ApproveAllGrant
		c.ApproveAllGrant = &g
	}
	if p.Diagnostics != nil {
		c.Diagnostics = append([]Diagnostic(nil), p.Diagnostics...)
	}
	if p.Steps != nil {
		c.Steps = make([]Step, len(p.Steps))
		for i := range p.Steps {
			c.Steps[i] = p.Steps[i].clone()
		}
	}
	return &c
}

func (s Step) clone() Step {
	s.DependsOn = cloneStrings(s.DependsOn)
	if s.Approval != nil {
		a := *s.Approval
		s.Approval = &a
	}
	if s.Result != nil {
		r := *s.Result
		s.Result = &r
	}
	if s.Attempts != nil {
		s.Attempts = append([]Attempt(nil), s.Attempts...)
	}
	return s
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string{}, in...)
}
