package committee

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sort"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

// selectMembers picks n committee members from the pool, preferring family
// diversity: one member per vendor family until families run out, then the
// remainder from already-used families with the downgrade flagged. Selection
// is deterministic per case id so a workflow replay convenes the same bench.
func selectMembers(pool []Provider, n int, caseID string) (members []Provider, downgraded bool) {
	if n <= 0 || len(pool) == 0 {
		return nil, false
	}
	if n > len(pool) {
		n = len(pool)
	}

	shuffled := append([]Provider(nil), pool...)
	r := rand.New(rand.NewSource(selectionSeed(caseID)))
	r.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	usedFamilies := make(map[contracts.ProviderFamily]bool)
	taken := make(map[string]bool)
	for _, p := range shuffled {
		if len(members) == n {
			break
		}
		if usedFamilies[p.Family()] {
			continue
		}
		usedFamilies[p.Family()] = true
		taken[p.ID()] = true
		members = append(members, p)
	}
	for _, p := range shuffled {
		if len(members) == n {
			break
		}
		if taken[p.ID()] {
			continue
		}
		taken[p.ID()] = true
		members = append(members, p)
		downgraded = true
	}

	sort.SliceStable(members, func(i, j int) bool { return members[i].ID() < members[j].ID() })
	return members, downgraded
}

func selectionSeed(caseID string) int64 {
	sum := sha256.Sum256([]byte("committee-selection:" + caseID))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
