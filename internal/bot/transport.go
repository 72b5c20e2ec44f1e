package bot

// Transport is the narrow slice of the messaging platform the relay needs:
// send a message, edit it in place, and the two presentation extras the
// command surface uses.
type Transport interface {
	Send(chatID int64, text string) (int, error)
	Edit(chatID int64, messageID int, text string) error
	SendMenu(chatID int64, text string, buttons []MenuButton) (int, error)
	AnswerCallback(callbackID, text string) error
}

// MenuButton is one inline button with its callback payload.
type MenuButton struct {
	Label string
	Data  string
}
