package core

// Participants maps an outcome role to the ordered person ids acting in it.
type Participants map[string][]PersonID

// SingleParticipant builds the common one-person-per-role shape.
func SingleParticipant(role string, id PersonID) Participants {
	return Participants{role: {id}}
}

// Add appends ids under role.
func (p Participants) Add(role string, ids ...PersonID) {
	p[role] = append(p[role], ids...)
}

// Get returns the ids listed under role.
func (p Participants) Get(role string) ([]PersonID, bool) {
	ids, ok := p[role]
	return ids, ok && len(ids) > 0
}

// Has reports whether id is listed under any of roles.
func (p Participants) Has(id PersonID, roles ...string) bool {
	for _, r := range roles {
		for _, v := range p[r] {
			if v == id {
				return true
			}
		}
	}
	return false
}

// All returns every listed id once, in role then list order for the roles
// given (or all roles when none are given, in unspecified role order).
func (p Participants) All(roles ...string) []PersonID {
	if len(roles) == 0 {
		for r := range p {
			roles = append(roles, r)
		}
	}
	seen := map[PersonID]struct{}{}
	var out []PersonID
	for _, r := range roles {
		for _, id := range p[r] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
