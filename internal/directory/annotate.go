package directory

import "github.com/4xmen/goftegu/internal/models"

type FollowChecker interface {
	IsFollowing(userID string) bool
}

// Entry is a listed user with the follow state every listing shares.
type Entry struct {
	User       models.User
	Following  bool
	CanMessage bool
}

// Annotate reads follow state from the shared checker. Placeholder users can
// always be messaged.
func Annotate(users []models.User, follows FollowChecker) []Entry {
	out := make([]Entry, 0, len(users))
	for _, u := range users {
		following := follows.IsFollowing(u.ID)
		out = append(out, Entry{
			User:       u,
			Following:  following,
			CanMessage: following || models.IsPlaceholder(u.ID),
		})
	}
	return out
}
