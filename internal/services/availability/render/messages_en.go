package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.English

	message.SetString(lang, "availability.generic.name", "there")
	message.SetString(lang, "availability.ask.fallback",
		"Hi %s, are you available to perform on %s at %s for %s? Reply %s if you can make it, or %s if not.")
	message.SetString(lang, "availability.reminder.fallback",
		"Hi %s, just checking you saw our availability request for %s. A quick reply either way would be appreciated.")
	message.SetString(lang, "availability.chase.fallback",
		"Hi %s, we still need an answer on the %s booking at %s so we can confirm the lineup. Could you reply today?")
	message.SetString(lang, "availability.moved_on.fallback",
		"Hi %s, as we have not heard back about %s we have started checking with deputies. Do still reply if you are free.")
}
