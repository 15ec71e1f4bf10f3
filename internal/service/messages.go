package service

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/mmeshcher/licensebot/internal/catalog"
	"github.com/mmeshcher/licensebot/internal/model"
)

// Время в сообщениях показывается по WIB.
var displayZone = time.FixedZone("WIB", 7*60*60)

const (
	// ButtonMainMenu и другие данные кнопок разбирает диспетчер.
	ButtonMainMenu = "main_menu"
	ButtonNewOrder = "new_order"
	ButtonCancel   = "cancel:"
)

func formatTime(t time.Time) string {
	return t.In(displayZone).Format("02-01-2006 15:04") + " WIB"
}

func (c *Coordinator) paymentCaption(o model.Order) string {
	var b strings.Builder
	b.WriteString("💳 <b>PEMBAYARAN QRIS</b>\n\n")
	fmt.Fprintf(&b, "🎮 <b>Produk:</b> %s\n", html.EscapeString(c.catalog.Title(o.Product)))
	if o.Kind == model.KindExtend {
		fmt.Fprintf(&b, "🔑 <b>Extend key:</b> <code>%s</code>\n", html.EscapeString(o.TargetKey))
	}
	fmt.Fprintf(&b, "⏰ <b>Durasi:</b> %d hari\n", o.Days)
	fmt.Fprintf(&b, "💰 <b>Total:</b> %s\n", catalog.FormatPrice(o.Price))
	fmt.Fprintf(&b, "🎁 <b>Point didapat:</b> +%d\n\n", o.Points)
	fmt.Fprintf(&b, "⏳ QR berlaku sampai %s\n", formatTime(o.ExpiresAt))
	b.WriteString("Pembayaran dicek otomatis setiap 20 detik.\n\n")
	fmt.Fprintf(&b, "🆔 Order: <code>%s</code>", o.ID)
	return b.String()
}

func paymentKeyboard(o model.Order) model.Keyboard {
	return model.Keyboard{
		model.Row(model.Button{Text: "❌ Batalkan Pesanan", Data: ButtonCancel + o.ID}),
	}
}

func (c *Coordinator) successText(r model.Receipt) string {
	o := r.Order

	var b strings.Builder
	switch o.Kind {
	case model.KindExtend:
		b.WriteString("✅ <b>EXTEND BERHASIL</b>\n\n")
	case model.KindRedeem:
		b.WriteString("✅ <b>PENUKARAN POINT BERHASIL</b>\n\n")
	default:
		b.WriteString("✅ <b>PEMBAYARAN BERHASIL</b>\n\n")
	}

	fmt.Fprintf(&b, "🎮 <b>Produk:</b> %s\n", html.EscapeString(c.catalog.Title(o.Product)))
	fmt.Fprintf(&b, "⏰ <b>Durasi:</b> %d hari\n", o.Days)
	fmt.Fprintf(&b, "🔑 <b>Key:</b> <code>%s</code>\n", html.EscapeString(r.License.Key))
	fmt.Fprintf(&b, "📅 <b>Berlaku sampai:</b> %s\n\n", formatTime(r.License.ExpiresAt))

	if o.Kind == model.KindRedeem {
		fmt.Fprintf(&b, "🎁 <b>Point ditukar:</b> -%d\n", o.Points)
	} else {
		fmt.Fprintf(&b, "🎁 <b>Point didapat:</b> +%d\n", o.Points)
	}
	fmt.Fprintf(&b, "💰 <b>Total point:</b> %d points\n\n", r.Balance)
	b.WriteString("Terima kasih! Simpan pesan ini.")
	return b.String()
}

func expiredText(o model.Order) string {
	return "⌛ <b>PEMBAYARAN KEDALUWARSA</b>\n\n" +
		"QR untuk pesanan <code>" + o.ID + "</code> sudah tidak berlaku.\n" +
		"Silakan buat pesanan baru jika masih ingin membeli."
}

func cancelledText(o model.Order) string {
	return "❌ <b>Pesanan dibatalkan</b>\n\nOrder: <code>" + o.ID + "</code>"
}

func (c *Coordinator) fulfillmentFailedText(o model.Order) string {
	text := "⚠️ <b>PEMBAYARAN DITERIMA</b>\n\n" +
		"Pembayaran Anda sudah kami terima, tetapi key belum dapat dikirim otomatis.\n" +
		"Admin akan mengirimkan key secara manual.\n\n" +
		"🆔 Order: <code>" + o.ID + "</code>"
	if c.adminContact != "" {
		text += "\nHubungi admin: " + html.EscapeString(c.adminContact)
	}
	return text
}

func insufficientPointsText(o model.Order) string {
	return "❌ <b>Point tidak cukup</b>\n\n" +
		fmt.Sprintf("Dibutuhkan %d points untuk %d hari.", o.Points, o.Days)
}

func afterResolveKeyboard() model.Keyboard {
	return model.Keyboard{
		model.Row(
			model.Button{Text: "🛒 Beli Lagi", Data: ButtonNewOrder},
			model.Button{Text: "🏠 Menu Utama", Data: ButtonMainMenu},
		),
	}
}
