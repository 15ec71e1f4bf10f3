package dispatcher

import (
	"fmt"
	"html"
	"strings"

	"github.com/mmeshcher/licensebot/internal/catalog"
	"github.com/mmeshcher/licensebot/internal/model"
)

// Данные кнопок.
const (
	btnMainMenu     = "main_menu"
	btnNewOrder     = "new_order"
	btnExtend       = "extend_user"
	btnRedeemPoints = "redeem_points"
	btnHelp         = "help"
	btnPoints       = "points"

	prefixNewType    = "type_"
	prefixExtendType = "extend_type_"
	prefixDuration   = "dur_"
	prefixRedeemType = "redeem_type_"
	prefixRedeem     = "redeem_"
	prefixCancel     = "cancel:"
)

const (
	textApology        = "❌ Terjadi kesalahan. Silakan coba lagi atau gunakan /start"
	textSessionExpired = "⌛ Sesi Anda sudah berakhir. Silakan mulai lagi dari menu."
	textUnauthorized   = "⛔ Pesanan ini bukan milik Anda."
	textAlreadyDone    = "ℹ️ Pesanan ini sudah selesai diproses."
	textUnknownCommand = "❌ Perintah tidak dikenali. Silakan coba lagi."
	textProcessing     = "Memproses..."
	textAskExtendKey   = "🔑 <b>Kirim key yang ingin di-extend</b>\n\n" +
		"Ketik key lisensi Anda di chat ini."
	textAwaitingPayment = "⏳ Pesanan Anda masih menunggu pembayaran.\n" +
		"Silakan scan QR yang sudah dikirim atau batalkan pesanan."
)

func slug(p model.Product) string {
	return strings.ToLower(strings.ReplaceAll(string(p), "-", ""))
}

func mainMenuKeyboard() model.Keyboard {
	return model.Keyboard{
		model.Row(model.Button{Text: "🛒 Beli Lisensi Baru", Data: btnNewOrder}),
		model.Row(
			model.Button{Text: "⏰ Extend Masa Aktif", Data: btnExtend},
			model.Button{Text: "🎁 Tukar Point", Data: btnRedeemPoints},
		),
		model.Row(model.Button{Text: "ℹ️ Bantuan", Data: btnHelp}),
	}
}

func backRow() []model.Button {
	return model.Row(model.Button{Text: "↩️ Kembali", Data: btnMainMenu})
}

func welcomeText(firstName string, points int64) string {
	if firstName == "" {
		firstName = "User"
	}
	return fmt.Sprintf("🎮 <b>Selamat Datang, %s!</b>\n\n", html.EscapeString(firstName)) +
		"✨ <b>BOT PEMBELIAN LISENSI FREE FIRE</b> ✨\n\n" +
		fmt.Sprintf("💰 <b>Point Anda:</b> %d points\n\n", points) +
		"🛒 <b>Fitur yang tersedia:</b>\n" +
		"• Beli lisensi baru\n" +
		"• Extend masa aktif akun\n" +
		"• Tukar point dengan lisensi gratis\n" +
		"• Support Free Fire &amp; Free Fire MAX\n" +
		"• Pembayaran QRIS otomatis\n\n" +
		"🎁 <b>Dapatkan point untuk setiap pembelian!</b>\n\n" +
		"⏰ <b>Pembayaran otomatis terdeteksi dalam 10 menit!</b>\n\n" +
		"Silakan pilih menu di bawah:"
}

func mainMenuText(points int64) string {
	return "🏠 <b>Menu Utama</b>\n\n" +
		fmt.Sprintf("💰 <b>Point Anda:</b> %d points\n\n", points) +
		"Silakan pilih menu yang diinginkan:"
}

func pointsText(cat *catalog.Catalog, points int64) string {
	var b strings.Builder
	b.WriteString("💰 <b>POINT ANDA</b>\n\n")
	fmt.Fprintf(&b, "Total Point: <b>%d points</b>\n\n", points)
	b.WriteString("📊 <b>Cara mendapatkan point:</b>\n")
	for _, p := range cat.Plans {
		fmt.Fprintf(&b, "• Beli lisensi %d hari = %d point\n", p.Days, p.Points)
	}
	if len(cat.Redeem) > 0 {
		r := cat.Redeem[0]
		b.WriteString("\n🎁 <b>Tukar point dengan lisensi gratis!</b>\n")
		fmt.Fprintf(&b, "%d points = %d hari lisensi gratis", r.Points, r.Days)
	}
	return b.String()
}

func pointsKeyboard() model.Keyboard {
	return model.Keyboard{
		model.Row(model.Button{Text: "🎁 Tukar Point", Data: btnRedeemPoints}),
		model.Row(
			model.Button{Text: "🛒 Beli Lisensi", Data: btnNewOrder},
			model.Button{Text: "🏠 Menu Utama", Data: btnMainMenu},
		),
	}
}

func productKeyboard(cat *catalog.Catalog, prefix string) model.Keyboard {
	row := make([]model.Button, 0, len(cat.Products))
	for _, p := range cat.Products {
		row = append(row, model.Button{Text: "🎮 " + p.Title, Data: prefix + slug(p.Code)})
	}
	return model.Keyboard{row, backRow()}
}

const (
	newOrderText = "👋 <b>Halo!</b>\n\nSilakan pilih jenis Free Fire yang ingin Anda beli:"
	extendText   = "🎮 <b>EXTEND MASA AKTIF</b>\n\nPilih jenis Free Fire yang ingin di-extend:"
)

func durationText(cat *catalog.Catalog, kind model.OrderKind, product model.Product) string {
	var b strings.Builder
	if kind == model.KindExtend {
		b.WriteString("⏰ <b>EXTEND MASA AKTIF</b>\n\n")
	} else {
		b.WriteString("🛒 <b>BELI LISENSI</b>\n\n")
	}
	fmt.Fprintf(&b, "🎮 <b>Produk:</b> %s\n\n", html.EscapeString(cat.Title(product)))
	b.WriteString("Pilih durasi:")
	return b.String()
}

func durationKeyboard(cat *catalog.Catalog) model.Keyboard {
	kb := make(model.Keyboard, 0, len(cat.Plans)+1)
	for _, p := range cat.Plans {
		kb = append(kb, model.Row(model.Button{
			Text: fmt.Sprintf("%d Hari - %s", p.Days, catalog.FormatPrice(p.Price)),
			Data: fmt.Sprintf("%s%d", prefixDuration, p.Days),
		}))
	}
	return append(kb, backRow())
}

func redeemText(cat *catalog.Catalog, points int64) string {
	var b strings.Builder
	b.WriteString("🎁 <b>TUKAR POINT</b>\n\n")
	fmt.Fprintf(&b, "💰 <b>Point Anda:</b> %d points\n\n", points)
	b.WriteString("📊 <b>Rate Penukaran:</b>\n")
	for _, r := range cat.Redeem {
		fmt.Fprintf(&b, "• %d Hari = %d points\n", r.Days, r.Points)
	}
	b.WriteString("\nPilih durasi yang ingin ditukar:")
	return b.String()
}

func redeemKeyboard(cat *catalog.Catalog) model.Keyboard {
	var kb model.Keyboard
	var row []model.Button
	for _, r := range cat.Redeem {
		row = append(row, model.Button{
			Text: fmt.Sprintf("%d Hari - %d points", r.Days, r.Points),
			Data: fmt.Sprintf("%s%d", prefixRedeem, r.Days),
		})
		if len(row) == 2 {
			kb = append(kb, row)
			row = nil
		}
	}
	if len(row) > 0 {
		kb = append(kb, row)
	}
	return append(kb, backRow())
}

func redeemProductText(days int) string {
	return fmt.Sprintf("🎁 <b>TUKAR POINT: %d HARI</b>\n\nPilih jenis Free Fire:", days)
}

func helpText(points int64, adminContact string) string {
	text := "ℹ️ <b>BANTUAN</b>\n\n" +
		fmt.Sprintf("💰 <b>Point Anda:</b> %d points\n\n", points) +
		"📝 <b>Cara Penggunaan:</b>\n" +
		"1. Pilih 'Beli Lisensi Baru' untuk pembelian baru\n" +
		"2. Pilih 'Extend Masa Aktif' untuk memperpanjang\n" +
		"3. Pilih 'Tukar Point' untuk lisensi gratis\n" +
		"4. Ikuti instruksi yang diberikan\n\n" +
		"🎁 <b>Sistem Point:</b>\n" +
		"• Dapatkan point dari setiap pembelian\n" +
		"• Point tidak memiliki masa kedaluwarsa\n\n" +
		"⏰ <b>Pembayaran Otomatis:</b>\n" +
		"• QR berlaku selama 10 menit\n" +
		"• Cek pembayaran otomatis setiap 20 detik\n" +
		"• QR terhapus otomatis jika tidak dibayar\n" +
		"• Pesan sukses tidak akan dihapus"
	if adminContact != "" {
		text += "\n\n❓ <b>Pertanyaan?</b>\nHubungi admin jika ada kendala " + html.EscapeString(adminContact)
	}
	return text
}

func helpKeyboard() model.Keyboard {
	return model.Keyboard{backRow()}
}

func greetingText(firstName string) string {
	if firstName == "" {
		firstName = "User"
	}
	return fmt.Sprintf("Halo %s! Gunakan /start untuk memulai atau pilih dari menu.", html.EscapeString(firstName))
}
