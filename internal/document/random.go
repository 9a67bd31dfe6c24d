package document

import "math/rand/v2"

var (
	userNames  = []string{"Otter", "Heron", "Lynx", "Marten", "Osprey", "Ibex", "Puffin", "Tapir"}
	userColors = []string{"#f94144", "#f3722c", "#f8961e", "#43aa8b", "#577590", "#277da1", "#9b5de5"}
	avatars    = []string{"🦦", "🪶", "🐈", "🦡", "🦅", "🐐", "🐧", "🐗"}
	fills      = []string{"#f2c94c", "#eb5757", "#6fcf97", "#56ccf2", "#bb6bd9", "#f2994a"}
)

// RandUserInfo picks display metadata for a client joining without a profile.
func RandUserInfo(r *rand.Rand) UserInfo {
	i := r.IntN(len(userNames))
	return UserInfo{
		Name:   userNames[i],
		Avatar: avatars[i],
		Color:  userColors[r.IntN(len(userColors))],
	}
}

// RandomShape returns a new rectangle somewhere on a 500x500 canvas.
func RandomShape(r *rand.Rand, id string) Shape {
	return Shape{
		ID:     id,
		X:      float64(r.IntN(400)),
		Y:      float64(r.IntN(400)),
		Width:  float64(50 + r.IntN(150)),
		Height: float64(50 + r.IntN(150)),
		Rotate: float64(r.IntN(360)),
		Fill:   fills[r.IntN(len(fills))],
	}
}
