package identity

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
)

var animals = []string{
	"kitten", "puppy", "bunny", "panda", "koala", "fox", "otter", "hedgehog", "squirrel", "hamster",
	"chick", "duckling", "fawn", "foal", "lamb", "calf", "porcupine", "raccoon", "skunk", "mole",
	"mouse", "rat", "ferret", "weasel", "beaver", "seahorse", "starfish", "dolphin", "whale", "narwhal",
	"penguin", "flamingo", "pelican", "swallow", "sparrow", "robin", "toucan", "parrot", "canary", "cockatoo",
}

var randomWords = []string{
	"sunbeam", "stardust", "pepper", "muffin", "bubble", "sprout", "glimmer", "whisker", "echo", "jelly",
	"marble", "maple", "cocoa", "hazel", "breeze", "meadow", "willow", "ember", "peppermint", "cinnamon",
	"poppy", "lucky", "pixel", "biscuit", "cupcake", "nugget", "crumb", "toffee", "sprinkle", "twig",
}

var adjectives = []string{
	"tiny", "happy", "sleepy", "fluffy", "sparkly", "cheery", "silly", "jolly", "cozy", "shiny",
	"golden", "silver", "crimson", "emerald", "purple", "blue", "red", "green", "bright", "gentle",
	"brave", "calm", "swift", "silent", "noisy", "bouncy", "fuzzy", "plucky", "merry", "peppy",
}

var extras = []string{
	"dragon", "unicorn", "griffin", "phoenix", "fairy", "gnome", "sprite", "pixie", "mermaid", "elf",
	"hobbit", "otterly", "purr", "meow", "woof", "chirp", "splash", "drizzle", "thimble", "button",
	"lantern", "puddle", "pebble", "cottage", "rocket", "comet", "orbit", "nebula", "canyon", "ridge",
}

// NewVoiceSeed returns a fresh seed such as "maple-comet".
func NewVoiceSeed() string {
	return fmt.Sprintf("%s-%s", randomWords[rand.IntN(len(randomWords))], extras[rand.IntN(len(extras))])
}

// VoiceName derives the display name shown to peers from a seed. The same
// seed always gives the same name.
func VoiceName(seed string) string {
	if seed == "" {
		return ""
	}
	h := fnv.New64a()
	h.Write([]byte(seed))
	sum := h.Sum64()
	adj := adjectives[sum%uint64(len(adjectives))]
	animal := animals[(sum/uint64(len(adjectives)))%uint64(len(animals))]
	return title(adj) + " " + title(animal)
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
