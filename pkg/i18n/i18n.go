package i18n

import "strings"

var translations = map[string]string{
	"Follow this user to message them":        "برای ارسال پیام ابتدا این کاربر را دنبال کنید",
	"failed to start conversation":            "خطا در شروع مکالمه",
	"failed to fetch conversations":           "خطا در دریافت مکالمه ها",
	"failed to fetch messages":                "خطا در دریافت پیام ها",
	"failed to send message":                  "خطا در ارسال پیام",
	"failed to upload attachments":            "خطا در ارسال فایل ها",
	"failed to fetch users":                   "خطا در دریافت کاربران",
	"failed to follow user":                   "خطا در دنبال کردن کاربر",
	"failed to unfollow user":                 "خطا در لغو دنبال کردن کاربر",
	"message cannot be empty":                 "پیام نمی تواند خالی باشد",
	"no active conversation":                  "هیچ مکالمه ای باز نیست",
	"a message is already being sent":         "پیام قبلی در حال ارسال است",
	"no files selected":                       "فایلی انتخاب نشده است",
	"attachments are not available here":      "ارسال فایل در این مکالمه ممکن نیست",
	"session expired, please log in again":    "نشست شما منقضی شده است، دوباره وارد شوید",
	"network error, please try again":         "خطای شبکه، دوباره تلاش کنید",
	"No conversations yet":                    "هنوز مکالمه ای ندارید",
	"No messages yet":                         "هنوز پیامی ارسال نشده است",
	"No users found":                          "کاربری یافت نشد",
	"Showing suggested users while offline":   "نمایش کاربران پیشنهادی در حالت آفلاین",
	"not logged in":                           "وارد حساب کاربری نشده اید",
	"invalid username or password":            "نام کاربری یا رمز عبور اشتباه است",
	"rate limit exceeded":                     "تعداد درخواست ها بیش از حد مجاز است",
	"conversation not found":                  "مکالمه یافت نشد",
	"something went wrong, please try again":  "خطایی رخ داد، دوباره تلاش کنید",
}

var prefixTranslations = map[string]string{
	"failed to start conversation with": "خطا در شروع مکالمه",
	"invalid configuration:":            "پیکربندی نامعتبر است",
}

func Translate(message string) string {
	if translated, ok := translations[message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}

// For returns the translator for locale. English is the catalogue key, so the
// "en" translator is the identity.
func For(locale string) func(string) string {
	if locale == "fa" {
		return Translate
	}
	return func(message string) string { return message }
}
