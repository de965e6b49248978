package bot

// Replies shown to members. Details of failures go to the log only.
const (
	msgNoPermission      = "你沒有權限使用此指令。"
	msgAlreadyOpen       = "你已經有一張未關閉工單：<#%s>"
	msgTicketCreated     = "✅ 已建立工單：<#%s>"
	msgUnknownCategory   = "❌ 未知的服務項目，請重新選擇。"
	msgNotTicket         = "這不是工單頻道。"
	msgCannotClose       = "你沒有權限關閉此工單。"
	msgClosing           = "✅ 正在關閉工單…"
	msgAlreadyClosed     = "此工單已經關閉。"
	msgGenericError      = "❌ 發生錯誤，請稍後再試。"
	msgPullDisabled      = "會員綁定目前未開放，請使用官網連結。"
	msgInvalidEmail      = "❌ Email 格式不正確，請重新輸入。"
	msgBindFailed        = "❌ 綁定失敗：%s"
	msgRefreshFailed     = "❌ 更新失敗：%s"
	msgSiteUnavailable   = "官網暫時無法連線，請稍後再試。"
	msgNotLinked         = "找不到對應的官網會員，請先完成綁定。"
	msgNoTier            = "目前累積消費尚未達到任何會員等級。"
	msgTierApplied       = "✅ 會員等級已更新：<@&%s>（累積消費 %s）"
	msgTierAppliedNotice = "✅ 會員等級已更新：<@&%s>（累積消費 %s），部分身分組調整失敗，客服會協助處理。"
	msgNotInGuild        = "找不到你的伺服器成員資料，請稍後再試。"
)
