package notify

import (
	"fmt"
	"net/url"

	"bnbwatch/internal/models"
)

// Two GSM-7 segments. Anything longer gets trimmed before dispatch, link
// last.
const maxSMSLen = 306

// DeepLink returns the listing URL with the watched dates pre-filled, so
// the booking panel opens on the right range. Falls back to the bare URL
// when it cannot be parsed.
func DeepLink(w *models.Watch) string {
	u, err := url.Parse(w.ListingURL)
	if err != nil || u.Host == "" {
		return w.ListingURL
	}
	q := u.Query()
	q.Set("check_in", w.CheckIn.Format("2006-01-02"))
	q.Set("check_out", w.CheckOut.Format("2006-01-02"))
	u.RawQuery = q.Encode()
	return u.String()
}

// EmailSubject and EmailBody build the full-form alert used on channels
// without length constraints.
func EmailSubject(w *models.Watch) string {
	return fmt.Sprintf("Property available: %s", w.PropertyName)
}

func EmailBody(w *models.Watch, deepLink string) string {
	return fmt.Sprintf(
		"Good news! %s is now available for %s to %s.\n\nBook it here: %s\n\nReply STOP to cancel alerts.",
		w.PropertyName,
		w.CheckIn.Format("Jan 2, 2006"),
		w.CheckOut.Format("Jan 2, 2006"),
		deepLink,
	)
}

// SMSBody builds the alert within the SMS segment budget. Non-essential
// text is dropped first, then the property name is shortened; the dates and
// the link always survive.
func SMSBody(w *models.Watch, deepLink string) string {
	dates := fmt.Sprintf("%s-%s", w.CheckIn.Format("Jan 2"), w.CheckOut.Format("Jan 2"))

	full := fmt.Sprintf("Good news! %s is available %s. Book now: %s", w.PropertyName, dates, deepLink)
	if len(full) <= maxSMSLen {
		return full
	}

	short := fmt.Sprintf("%s available %s: %s", w.PropertyName, dates, deepLink)
	if len(short) <= maxSMSLen {
		return short
	}

	// Shorten the property name to whatever room is left beside the
	// essentials.
	fixed := len(fmt.Sprintf(" available %s: %s", dates, deepLink))
	room := maxSMSLen - fixed
	name := w.PropertyName
	if room < 1 {
		return fmt.Sprintf("Available %s: %s", dates, deepLink)
	}
	if len(name) > room {
		name = name[:room]
	}
	return fmt.Sprintf("%s available %s: %s", name, dates, deepLink)
}
