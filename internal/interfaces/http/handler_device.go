package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"
)

// ========================================
// Linked-device WhatsApp Handlers
// ========================================

// ConnectDevice creates and connects the linked-device client for a business
func (h *Handler) ConnectDevice(c *gin.Context) {
	businessID, ok := businessParam(c)
	if !ok {
		return
	}

	if h.waManager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "WhatsApp devices not configured"})
		return
	}

	client, err := h.waManager.ConnectClient(c.Request.Context(), businessID)
	if err != nil {
		h.log.Error().Err(err).Str("business_id", businessID).Msg("device connect failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to connect device"})
		return
	}

	phone, name := client.GetUserInfo()
	c.JSON(http.StatusOK, gin.H{
		"status":    "connecting",
		"connected": client.IsLoggedIn(),
		"phone":     phone,
		"name":      name,
	})
}

// GetDeviceQRCode returns the pairing QR code as PNG
func (h *Handler) GetDeviceQRCode(c *gin.Context) {
	businessID, ok := businessParam(c)
	if !ok {
		return
	}

	if h.waManager == nil {
		c.String(http.StatusServiceUnavailable, "WhatsApp devices not configured")
		return
	}

	client := h.waManager.GetClient(businessID)
	if client == nil {
		c.String(http.StatusNotFound, "Device not connected. Call connect first.")
		return
	}

	qrCodeString := client.GetQR()
	if qrCodeString == "" {
		if client.IsLoggedIn() {
			c.String(http.StatusOK, "Already logged in")
			return
		}
		c.String(http.StatusAccepted, "QR code not yet available. Please wait...")
		return
	}

	png, err := qrcode.Encode(qrCodeString, qrcode.Medium, 256)
	if err != nil {
		c.String(http.StatusInternalServerError, "Failed to generate QR code")
		return
	}

	c.Data(http.StatusOK, "image/png", png)
}

// GetDeviceStatus reports the linked-device session state
func (h *Handler) GetDeviceStatus(c *gin.Context) {
	businessID, ok := businessParam(c)
	if !ok {
		return
	}

	if h.waManager == nil {
		c.JSON(http.StatusOK, gin.H{"connected": false, "error": "WhatsApp devices not configured"})
		return
	}

	client := h.waManager.GetClient(businessID)
	if client == nil {
		c.JSON(http.StatusOK, gin.H{"connected": false, "initialized": false})
		return
	}

	phone, name := client.GetUserInfo()
	c.JSON(http.StatusOK, gin.H{
		"connected":   client.IsLoggedIn(),
		"initialized": true,
		"phone":       phone,
		"name":        name,
		"hasQR":       client.GetQR() != "",
	})
}

// LogoutDevice unlinks the session
func (h *Handler) LogoutDevice(c *gin.Context) {
	businessID, ok := businessParam(c)
	if !ok {
		return
	}

	if h.waManager == nil {
		c.JSON(http.StatusOK, gin.H{"status": "logged_out", "message": "WhatsApp devices not configured"})
		return
	}

	// Already-gone sessions still count as logged out
	if err := h.waManager.LogoutClient(c.Request.Context(), businessID); err != nil {
		h.log.Warn().Err(err).Str("business_id", businessID).Msg("device logout warning")
	}

	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}
