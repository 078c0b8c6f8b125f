package fakeapi

import (
	"github.com/4xmen/goftegu/internal/models"
)

// DemoPassword is shared by every demo account.
const DemoPassword = "goftegu123"

var demoUsers = []struct {
	username string
	user     models.User
}{
	{"sara", models.User{ID: "u-sara", Name: "Sara Ahmadi", Role: models.RoleFounder, Verified: true}},
	{"reza", models.User{ID: "u-reza", Name: "Reza Karimi", Role: models.RoleInvestor, Verified: true}},
	{"mina", models.User{ID: "u-mina", Name: "Mina Rostami", Role: models.RoleExpert}},
	{"omid", models.User{ID: "u-omid", Name: "Omid Farahani", Role: models.RoleFounder}},
	{"leila", models.User{ID: "u-leila", Name: "Leila Moradi", Role: models.RoleOther}},
}

// SeedDemo fills store with the sandbox accounts. sara follows reza and
// already has a conversation with him.
func SeedDemo(store *Store) error {
	for _, d := range demoUsers {
		if err := store.AddUser(d.user, d.username, DemoPassword); err != nil {
			return err
		}
	}
	if err := store.Follow("u-sara", "u-reza"); err != nil {
		return err
	}
	if err := store.Follow("u-reza", "u-sara"); err != nil {
		return err
	}
	conv, _, err := store.GetOrCreateConversation("u-sara", "u-reza")
	if err != nil {
		return err
	}
	_, _, err = store.AddMessage("u-reza", conv.ID, "Hi Sara, saw your pitch deck. Free for a call this week?", nil)
	return err
}
