package match

import "sort"

// Group is one key's worth of negatives, processed as a unit.
type Group struct {
	Key       Key
	Negatives []NegativeInvoice
	Demand    int64 // aggregate magnitude, cents
}

// GroupNegatives partitions negatives by key. Groups come back largest
// aggregate demand first so expensive keys start while caches are warm;
// negatives inside a group keep their input order (the allocator sorts).
func GroupNegatives(negatives []NegativeInvoice) []Group {
	byKey := make(map[Key]*Group)
	var order []Key
	for _, n := range negatives {
		g, ok := byKey[n.Key]
		if !ok {
			g = &Group{Key: n.Key}
			byKey[n.Key] = g
			order = append(order, n.Key)
		}
		g.Negatives = append(g.Negatives, n)
		g.Demand += n.Amount
	}

	groups := make([]Group, 0, len(order))
	for _, k := range order {
		groups = append(groups, *byKey[k])
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Demand != groups[j].Demand {
			return groups[i].Demand > groups[j].Demand
		}
		return groups[i].Key.String() < groups[j].Key.String()
	})
	return groups
}
