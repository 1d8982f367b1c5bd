package classifier

import "math/rand/v2"

var helloReplies = []string{
	"Hey! 👋 Welcome, I'm here to help. 😊\nWhat can I do for you today? A question, an idea, or just a chat, I'm all ears! 💬",
	"Hi there!",
	"Hey! 👋",
	"Hi! 😊",
	"What's up?",
	"Good to see you!",
	"Howdy!",
	"Hello hello!",
	"Yo! (^_^)",
	"你好！",
	"嗨！✨",
	"Hello! 🌟",
	"Hi friend!",
	"Greetings!",
	"Hiya!",
	"Well hello!",
	"Hello world!",
	"Oh hi!",
	"Hello sunshine! ☀️",
	"Hey! Nice to meet you! 🤝",
}

var imagePrompts = []string{
	"I see you sent a picture and mentioned me! 🖼️ What should I do with it?\n✨ Translate the text in it?\n🔍 Describe what it shows?\n💬 Something else?",
	"Hi! 👋 Got your image. Tell me what you need:\n📝 Translate the text in the picture?\n🤔 Explain what's in it?",
	"Nice picture! 📸 How can I help?\n🌐 Translate its text?\n📋 Describe the content?\n💡 Or something else?",
	"I've got your image 🎨 but I need a little more:\n📖 Translate the text?\n🔍 Analyse the content?\n💬 Just tell me what you want!",
}

// Text returns a random canned reply for g, or "" for NoGreeting.
func (g Greeting) Text() string {
	switch g {
	case GreetHello:
		return helloReplies[rand.IntN(len(helloReplies))]
	case GreetImagePrompt:
		return imagePrompts[rand.IntN(len(imagePrompts))]
	}
	return ""
}
